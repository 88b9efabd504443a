package bitcask

import (
	"errors"
	"os"
	"testing"

	"github.com/forever-free1/TideCask/storage"
)

func TestScanner_AllEntries(t *testing.T) {
	seg, err := CreateSegment(newTestDir(t), 0)
	if err != nil {
		t.Fatalf("创建数据文件失败: %v", err)
	}
	defer seg.Close()

	var positions []*storage.Position
	for _, k := range []string{"a", "b", "c"} {
		pos, err := seg.Append([]byte(k), []byte(k+k))
		if err != nil {
			t.Fatalf("Append 失败: %v", err)
		}
		positions = append(positions, pos)
	}
	if _, err := seg.AppendTombstone([]byte("b")); err != nil {
		t.Fatalf("AppendTombstone 失败: %v", err)
	}

	sc := seg.Scan()
	var entries []*Entry
	for sc.Next() {
		entries = append(entries, sc.Entry())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("扫描到 %d 条记录, want 4", len(entries))
	}
	for i, pos := range positions {
		if entries[i].Offset != pos.Offset || string(entries[i].Value) != string(entries[i].Key)+string(entries[i].Key) {
			t.Fatalf("第 %d 条记录不正确: %+v", i, entries[i])
		}
	}
	if !entries[3].Deleted || string(entries[3].Key) != "b" {
		t.Fatalf("最后一条应为墓碑记录: %+v", entries[3])
	}
	if sc.Offset() != seg.Size() {
		t.Fatalf("扫描结束偏移量 = %d, want %d", sc.Offset(), seg.Size())
	}
}

func TestScanner_Empty(t *testing.T) {
	seg, err := CreateSegment(newTestDir(t), 0)
	if err != nil {
		t.Fatalf("创建数据文件失败: %v", err)
	}
	defer seg.Close()

	sc := seg.Scan()
	if sc.Next() {
		t.Fatal("空文件不应有记录")
	}
	if sc.Err() != nil {
		t.Fatalf("空文件扫描不应出错: %v", sc.Err())
	}
}

func TestScanner_Truncated(t *testing.T) {
	dir := newTestDir(t)
	seg, err := CreateSegment(dir, 0)
	if err != nil {
		t.Fatalf("创建数据文件失败: %v", err)
	}
	seg.Append([]byte("k1"), []byte("v1"))
	valid := seg.Size()
	seg.Close()

	f, err := os.OpenFile(seg.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("打开数据文件失败: %v", err)
	}
	f.Write(NewEntry([]byte("k2"), []byte("v2")).Encode()[:HeaderSize+1])
	f.Close()

	ro, err := OpenSegment(dir, seg.ID())
	if err != nil {
		t.Fatalf("OpenSegment 失败: %v", err)
	}
	defer ro.Close()

	sc := ro.Scan()
	n := 0
	for sc.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("应扫描到 1 条完整记录, 得到 %d", n)
	}
	if !errors.Is(sc.Err(), ErrTruncated) || !errors.Is(sc.Err(), storage.ErrDataCorruption) {
		t.Fatalf("期望 ErrTruncated, 得到: %v", sc.Err())
	}
	if sc.Offset() != valid {
		t.Fatalf("出错偏移量 = %d, want %d", sc.Offset(), valid)
	}
}

func TestScanner_ClosedSegment(t *testing.T) {
	seg, err := CreateSegment(newTestDir(t), 0)
	if err != nil {
		t.Fatalf("创建数据文件失败: %v", err)
	}
	seg.Close()

	sc := seg.Scan()
	if sc.Next() || !errors.Is(sc.Err(), ErrFileClosed) {
		t.Fatalf("关闭的文件期望 ErrFileClosed, 得到: %v", sc.Err())
	}
}
