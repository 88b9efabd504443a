package bitcask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/forever-free1/TideCask/storage"
)

// createUnwritableSegment 创建文件句柄只读的数据文件，追加时返回 storage.ErrIOFailure
func createUnwritableSegment(dir string, minID uint32) (*Segment, error) {
	seg, err := CreateSegment(dir, minID)
	if err != nil {
		return nil, err
	}
	seg.file.Close()
	f, err := os.Open(seg.Path())
	if err != nil {
		return nil, err
	}
	seg.file = f
	return seg, nil
}

// snapshot 返回数据库当前的全部键值
func snapshot(t *testing.T, db *DB) map[string]string {
	t.Helper()
	m := make(map[string]string)
	for _, k := range db.Keys() {
		v, err := db.Get(k)
		if err != nil {
			t.Fatalf("Get(%s) 失败: %v", k, err)
		}
		m[string(k)] = string(v)
	}
	return m
}

func segmentExists(dir string, id uint32) bool {
	_, err := os.Stat(filepath.Join(dir, SegmentName(id)))
	return err == nil
}

// putRounds 写入 rounds 轮 key00..key19，并删除下标是 5 的倍数的 key
func putRounds(t *testing.T, db *DB, rounds int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("key%02d", i)
			if err := db.Put([]byte(key), []byte(fmt.Sprintf("r%d-%d", round, i))); err != nil {
				t.Fatalf("Put 失败: %v", err)
			}
		}
	}
	for i := 0; i < 20; i += 5 {
		db.Delete([]byte(fmt.Sprintf("key%02d", i)))
	}
}

func TestMerge_AlphabetScenario(t *testing.T) {
	dir := newTestDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}

	for c := 'a'; c <= 'z'; c++ {
		if err := db.Put([]byte{byte(c)}, []byte{byte(c)}); err != nil {
			t.Fatalf("Put 失败: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := db.Put([]byte("a"), []byte(fmt.Sprintf("a%d", i))); err != nil {
			t.Fatalf("Put 失败: %v", err)
		}
	}
	if err := db.Delete([]byte("m")); err != nil {
		t.Fatalf("Delete 失败: %v", err)
	}

	before := db.index.Get([]byte("a"))
	statBefore, _ := db.Stat()

	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}

	if n := len(db.Keys()); n != 25 {
		t.Fatalf("合并后 Keys 数量 = %d, want 25", n)
	}
	mustGet(t, db, "a", "a9")
	mustGet(t, db, "z", "z")
	mustNotFound(t, db, "m")

	after := db.index.Get([]byte("a"))
	if after.FileID == before.FileID {
		t.Fatalf("合并后 a 应位于新文件, FileID 仍为 %d", after.FileID)
	}
	statAfter, _ := db.Stat()
	if statAfter.DiskSize >= statBefore.DiskSize {
		t.Fatalf("合并应回收空间: before=%d after=%d", statBefore.DiskSize, statAfter.DiskSize)
	}
	if statAfter.Segments != 1 || statAfter.ActiveSegment != after.FileID {
		t.Fatalf("合并结果应成为唯一的活跃文件: %+v", statAfter)
	}

	// 合并后的文件可以继续追加
	if err := db.Put([]byte("m"), []byte("back")); err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	db.Close()

	db = openTestDB(t, dir)
	if n := len(db.Keys()); n != 26 {
		t.Fatalf("重启后 Keys 数量 = %d, want 26", n)
	}
	mustGet(t, db, "a", "a9")
	mustGet(t, db, "m", "back")
}

func TestMerge_MultipleBatches(t *testing.T) {
	dir := newTestDir(t)
	opts := []Option{WithSegmentSizeLimit(256), WithMergeBatchSize(100)}
	db, err := Open(dir, opts...)
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}

	// 每个 key 的多个版本分散在不同文件中
	putRounds(t, db, 4)

	// 第二批开始写入时，第一批的源文件已经删除，最后一个源文件仍在
	sources, _ := listSegmentIDs(dir)
	var created int
	db.createSegment = func(dir string, minID uint32) (*Segment, error) {
		created++
		if created == 2 {
			if segmentExists(dir, sources[0]) {
				t.Errorf("第一批提交后源文件 %s 应已删除", SegmentName(sources[0]))
			}
			if !segmentExists(dir, sources[len(sources)-1]) {
				t.Errorf("源文件 %s 不应在最后一批之前删除", SegmentName(sources[len(sources)-1]))
			}
		}
		return CreateSegment(dir, minID)
	}

	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}
	check := func(db *DB) {
		t.Helper()
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("key%02d", i)
			if i%5 == 0 {
				mustNotFound(t, db, key)
				continue
			}
			mustGet(t, db, key, fmt.Sprintf("r3-%d", i))
		}
	}
	check(db)
	if created < 2 {
		t.Fatalf("合并只写入了 %d 批", created)
	}
	db.createSegment = CreateSegment

	stat, _ := db.Stat()
	if stat.Segments < 2 {
		t.Fatalf("小批次合并应生成多个文件, 得到 %d", stat.Segments)
	}

	// 再合并一次结果不变
	if err := db.Merge(); err != nil {
		t.Fatalf("第二次 Merge 失败: %v", err)
	}
	check(db)
	db.Close()

	db = openTestDB(t, dir, opts...)
	check(db)
}

func TestMerge_AllDeleted(t *testing.T) {
	dir := newTestDir(t)
	db := openTestDB(t, dir)

	db.Put([]byte("x"), []byte("1"))
	db.Put([]byte("y"), []byte("2"))
	db.Delete([]byte("x"))
	db.Delete([]byte("y"))

	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}
	ids, err := listSegmentIDs(dir)
	if err != nil {
		t.Fatalf("列出数据文件失败: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("没有存活键时不应保留数据文件, 得到 %v", ids)
	}
	mustNotFound(t, db, "x")

	if err := db.Put([]byte("z"), []byte("3")); err != nil {
		t.Fatalf("合并后 Put 失败: %v", err)
	}
	mustGet(t, db, "z", "3")
}

func TestMerge_EmptyDatabase(t *testing.T) {
	db := openTestDB(t, newTestDir(t))
	if err := db.Merge(); err != nil {
		t.Fatalf("空数据库 Merge 失败: %v", err)
	}
}

func TestMerge_HintFiles(t *testing.T) {
	dir := newTestDir(t)
	db, err := Open(dir, WithHintFiles(true))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	for i := 0; i < 30; i++ {
		db.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	db.Put([]byte("k0"), []byte("new"))
	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}
	stat, _ := db.Stat()
	firstHint := filepath.Join(dir, HintName(stat.ActiveSegment))
	if _, err := os.Stat(firstHint); err != nil {
		t.Fatalf("合并后应生成 hint 文件: %v", err)
	}
	db.Close()

	// 使用 hint 文件加载
	db, err = Open(dir, WithHintFiles(true))
	if err != nil {
		t.Fatalf("重新打开数据库失败: %v", err)
	}
	if n := len(db.Keys()); n != 30 {
		t.Fatalf("Keys 数量 = %d, want 30", n)
	}
	mustGet(t, db, "k0", "new")
	mustGet(t, db, "k29", "v29")

	// 再次合并后旧文件和它的 hint 一起删除
	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}
	if _, err := os.Stat(firstHint); !os.IsNotExist(err) {
		t.Fatalf("旧 hint 文件应被删除, 得到: %v", err)
	}

	// 向合并结果追加之后 hint 过期，回退到全量扫描
	stat, _ = db.Stat()
	secondHint := filepath.Join(dir, HintName(stat.ActiveSegment))
	db.Put([]byte("k1"), []byte("updated"))
	db.Close()

	db, err = Open(dir, WithHintFiles(true))
	if err != nil {
		t.Fatalf("重新打开数据库失败: %v", err)
	}
	mustGet(t, db, "k1", "updated")
	mustGet(t, db, "k0", "new")
	db.Close()

	// 损坏的 hint 文件同样回退
	if err := os.WriteFile(secondHint, []byte("garbage"), 0644); err != nil {
		t.Fatalf("写入 hint 文件失败: %v", err)
	}
	db = openTestDB(t, dir, WithHintFiles(true))
	mustGet(t, db, "k1", "updated")
	mustGet(t, db, "k2", "v2")
}

func TestMerge_FlushFailure(t *testing.T) {
	dir := newTestDir(t)
	db := openTestDB(t, dir)
	putRounds(t, db, 3)

	want := snapshot(t, db)
	before, _ := listSegmentIDs(dir)

	db.createSegment = createUnwritableSegment
	err := db.Merge()
	if !errors.Is(err, storage.ErrIOFailure) {
		t.Fatalf("期望 ErrIOFailure, 得到: %v", err)
	}
	db.createSegment = CreateSegment

	// 写了一半的新文件被删除，旧文件全部保留
	after, _ := listSegmentIDs(dir)
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("合并失败后数据文件 = %v, want %v", after, before)
	}
	if got := snapshot(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("合并失败后数据 = %v, want %v", got, want)
	}

	// 失败之后仍可写入
	if err := db.Put([]byte("extra"), []byte("x")); err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	want["extra"] = "x"
	db.Close()

	db = openTestDB(t, dir)
	if got := snapshot(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("重启后数据 = %v, want %v", got, want)
	}
}

func TestMerge_FlushFailureAfterCommittedBatch(t *testing.T) {
	dir := newTestDir(t)
	opts := []Option{WithSegmentSizeLimit(256), WithMergeBatchSize(60)}
	db := openTestDB(t, dir, opts...)
	putRounds(t, db, 4)

	want := snapshot(t, db)
	sources, _ := listSegmentIDs(dir)

	var created int
	db.createSegment = func(dir string, minID uint32) (*Segment, error) {
		created++
		if created == 1 {
			return CreateSegment(dir, minID)
		}
		return createUnwritableSegment(dir, minID)
	}
	err := db.Merge()
	if !errors.Is(err, storage.ErrIOFailure) {
		t.Fatalf("期望 ErrIOFailure, 得到: %v", err)
	}
	db.createSegment = CreateSegment

	// 第一批已提交，其源文件已删除；失败批次的源文件保留
	if segmentExists(dir, sources[0]) {
		t.Fatalf("已提交批次的源文件 %s 应已删除", SegmentName(sources[0]))
	}
	if !segmentExists(dir, sources[len(sources)-1]) {
		t.Fatalf("未提交批次的源文件 %s 应保留", SegmentName(sources[len(sources)-1]))
	}
	if got := snapshot(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("合并失败后数据 = %v, want %v", got, want)
	}
	db.Close()

	db = openTestDB(t, dir, opts...)
	if got := snapshot(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("重启后数据 = %v, want %v", got, want)
	}

	// 再次合并可以完成
	if err := db.Merge(); err != nil {
		t.Fatalf("Merge 失败: %v", err)
	}
	if got := snapshot(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("合并后数据 = %v, want %v", got, want)
	}
}
