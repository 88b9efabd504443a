package bitcask

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/forever-free1/TideCask/storage"
)

// Entry 表示存储在数据文件中的记录条目
// 格式（大端序）：| CRC32 (4B) | Timestamp (4B) | KeySize (4B) | ValueSize (4B) | Key | Value |
//
// ValueSize 的最高位是删除标记：置位时表示墓碑记录，此时没有 value 字节
type Entry struct {
	CRC       uint32 // 校验和，覆盖 header[4:16] + key + value
	Timestamp uint32 // 时间戳（秒）
	KeySize   uint32 // Key 长度
	ValueSize uint32 // Value 长度（不含删除标记）
	Deleted   bool   // 是否为墓碑记录
	Key       []byte // 键数据
	Value     []byte // 值数据

	// Offset 是记录在数据文件中的起始偏移量，仅扫描得到的 Entry 有效
	Offset int64
}

const (
	// HeaderSize 固定头部大小：CRC(4) + Timestamp(4) + KeySize(4) + ValueSize(4)
	HeaderSize = 16

	// tombstoneFlag 是 ValueSize 字段中的删除标记位
	tombstoneFlag uint32 = 1 << 31

	// MaxValueSize 是单个 value 允许的最大长度
	MaxValueSize = int(tombstoneFlag - 1)
)

// NewEntry 创建一个新的 Entry 实例，时间戳取当前秒数
func NewEntry(key []byte, value []byte) *Entry {
	return &Entry{
		Timestamp: uint32(time.Now().Unix()),
		KeySize:   uint32(len(key)),
		ValueSize: uint32(len(value)),
		Key:       key,
		Value:     value,
	}
}

// NewTombstone 创建一条删除记录
func NewTombstone(key []byte) *Entry {
	return &Entry{
		Timestamp: uint32(time.Now().Unix()),
		KeySize:   uint32(len(key)),
		Deleted:   true,
		Key:       key,
	}
}

// Encode 将 Entry 编码为字节切片，并回填 CRC 字段
func (e *Entry) Encode() []byte {
	buf := make([]byte, e.Size())

	binary.BigEndian.PutUint32(buf[4:8], e.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], e.KeySize)
	binary.BigEndian.PutUint32(buf[12:16], e.rawValueSize())

	copy(buf[HeaderSize:HeaderSize+e.KeySize], e.Key)
	copy(buf[HeaderSize+e.KeySize:], e.Value)

	// 计算 CRC32 校验和（不包括 CRC 字段本身）
	e.CRC = crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], e.CRC)

	return buf
}

// Decode 从字节切片解码出 Entry
// 数据长度不足或 CRC 不匹配时返回 storage.ErrDataCorruption
func Decode(data []byte) (*Entry, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: 头部长度不足 (%d 字节)", storage.ErrDataCorruption, len(data))
	}

	entry := decodeHeader(data[:HeaderSize])

	totalSize := entry.encodedSize()
	if int64(len(data)) < totalSize {
		return nil, fmt.Errorf("%w: 记录长度不足 (需要 %d, 实际 %d)", storage.ErrDataCorruption, totalSize, len(data))
	}

	entry.Key = data[HeaderSize : HeaderSize+entry.KeySize]
	entry.Value = data[HeaderSize+entry.KeySize : totalSize]

	if crc32.ChecksumIEEE(data[4:totalSize]) != entry.CRC {
		return nil, fmt.Errorf("%w: CRC 校验失败", storage.ErrDataCorruption)
	}

	return entry, nil
}

// decodeHeader 解析 16 字节头部
func decodeHeader(header []byte) *Entry {
	rawValueSize := binary.BigEndian.Uint32(header[12:16])
	return &Entry{
		CRC:       binary.BigEndian.Uint32(header[0:4]),
		Timestamp: binary.BigEndian.Uint32(header[4:8]),
		KeySize:   binary.BigEndian.Uint32(header[8:12]),
		ValueSize: rawValueSize &^ tombstoneFlag,
		Deleted:   rawValueSize&tombstoneFlag != 0,
	}
}

func (e *Entry) rawValueSize() uint32 {
	if e.Deleted {
		return tombstoneFlag
	}
	return e.ValueSize
}

// encodedSize 用 int64 计算总大小，避免损坏的头部导致 uint32 溢出
func (e *Entry) encodedSize() int64 {
	return HeaderSize + int64(e.KeySize) + int64(e.ValueSize)
}

// Size 返回 Entry 编码后的总大小（字节）
func (e *Entry) Size() uint32 {
	return HeaderSize + e.KeySize + e.ValueSize
}

// Position 返回 Entry 在指定文件中的位置
func (e *Entry) Position(fileID uint32) *storage.Position {
	return &storage.Position{
		FileID:    fileID,
		Offset:    e.Offset,
		Size:      e.Size(),
		Timestamp: e.Timestamp,
	}
}

// Equals 比较两个 Entry 是否相等（不比较偏移量）
func (e *Entry) Equals(other *Entry) bool {
	if e == other {
		return true
	}
	if e == nil || other == nil {
		return false
	}
	return e.CRC == other.CRC &&
		e.Timestamp == other.Timestamp &&
		e.KeySize == other.KeySize &&
		e.ValueSize == other.ValueSize &&
		e.Deleted == other.Deleted &&
		bytes.Equal(e.Key, other.Key) &&
		bytes.Equal(e.Value, other.Value)
}
