package bitcask

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/mmap"

	"github.com/forever-free1/TideCask/storage"
)

// SegmentSuffix 是数据文件的固定后缀
const SegmentSuffix = ".bitcask.data"

// segmentNamePattern 数据文件名：10 位补零的秒级时间戳 + 固定后缀
var segmentNamePattern = regexp.MustCompile(`^\d{10}\.bitcask\.data$`)

// SegmentName 根据文件 ID 生成文件名
func SegmentName(id uint32) string {
	return fmt.Sprintf("%010d%s", id, SegmentSuffix)
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, SegmentName(id))
}

// ParseSegmentID 从文件名解析文件 ID
// 文件名不符合规则时返回 storage.ErrBadArgument
func ParseSegmentID(name string) (uint32, error) {
	if !segmentNamePattern.MatchString(name) {
		return 0, fmt.Errorf("%w: 非法的数据文件名 %q", storage.ErrBadArgument, name)
	}
	id, err := strconv.ParseUint(name[:10], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: 数据文件 ID 超出范围 %q", storage.ErrBadArgument, name)
	}
	return uint32(id), nil
}

// Segment 表示一个只追加的数据文件
//
// 可写的 Segment（活跃文件）通过 *os.File 追加和读取；
// 只读的 Segment 通过 mmap 读取，可以被任意多个 goroutine 并发读取和扫描。
type Segment struct {
	id   uint32
	path string

	// mu 保护下面的字段。Append 持有写锁完成“确定偏移量 + 写入”，
	// 保证并发追加不会得到重叠或乱序的字节区间
	mu       sync.RWMutex
	file     *os.File
	mm       *mmap.ReaderAt
	size     int64
	writable bool
}

// CreateSegment 在目录中创建一个新的可写数据文件
// 文件 ID 取 max(当前秒数, minID)，文件已存在时递增重试直到得到新文件名
func CreateSegment(dir string, minID uint32) (*Segment, error) {
	id := uint32(time.Now().Unix())
	if id < minID {
		id = minID
	}

	for {
		path := segmentPath(dir, id)
		// O_EXCL 保证不会复用已存在的文件
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0644)
		if err == nil {
			return &Segment{
				id:       id,
				path:     path,
				file:     file,
				writable: true,
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, ioError("创建数据文件", err)
		}
		id++
	}
}

// OpenSegment 以只读方式打开已存在的数据文件
func OpenSegment(dir string, id uint32) (*Segment, error) {
	path := segmentPath(dir, id)
	mm, err := mmap.Open(path)
	if err != nil {
		return nil, ioError("打开数据文件", err)
	}
	return &Segment{
		id:   id,
		path: path,
		mm:   mm,
		size: int64(mm.Len()),
	}, nil
}

// Append 追加一条键值记录，返回记录的位置
func (s *Segment) Append(key, value []byte) (*storage.Position, error) {
	return s.AppendEntry(NewEntry(key, value))
}

// AppendTombstone 追加一条删除记录
func (s *Segment) AppendTombstone(key []byte) (*storage.Position, error) {
	return s.AppendEntry(NewTombstone(key))
}

// AppendEntry 编码并追加一条记录，保留 Entry 自带的时间戳，不修改 e
// 写入失败时文件被截断回写入前的大小，调用方不应更新索引
func (s *Segment) AppendEntry(e *Entry) (*storage.Position, error) {
	data := e.Encode()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil && s.mm == nil {
		return nil, ErrFileClosed
	}
	if !s.writable {
		return nil, ErrSegmentReadOnly
	}

	offset := s.size
	n, err := s.file.Write(data)
	if err != nil {
		if n > 0 {
			// 尽力回滚半条记录，失败时由重放时的截断检测兜底
			_ = s.file.Truncate(offset)
		}
		return nil, ioError("写入数据", err)
	}
	s.size += int64(n)

	return &storage.Position{
		FileID:    s.id,
		Offset:    offset,
		Size:      e.Size(),
		Timestamp: e.Timestamp,
	}, nil
}

// Read 读取 offset 处的记录并返回 value
// 头部声明的大小与 size 不一致时返回 storage.ErrBadArgument，
// 校验和不匹配时返回 storage.ErrDataCorruption
func (s *Segment) Read(offset int64, size uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ra := s.readerAt()
	if ra == nil {
		return nil, ErrFileClosed
	}
	if offset < 0 || offset+int64(size) > s.size || size < HeaderSize {
		return nil, fmt.Errorf("%w: 位置越界 (offset=%d, size=%d, file=%d)", storage.ErrBadArgument, offset, size, s.size)
	}

	data := make([]byte, size)
	if err := readAt(ra, data[:HeaderSize], offset); err != nil {
		return nil, err
	}
	header := decodeHeader(data[:HeaderSize])
	if header.Deleted || header.encodedSize() != int64(size) {
		return nil, fmt.Errorf("%w: 记录大小不匹配 (期望 %d, 头部 %d)", storage.ErrBadArgument, size, header.encodedSize())
	}
	if err := readAt(ra, data[HeaderSize:], offset+HeaderSize); err != nil {
		return nil, err
	}

	entry, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 偏移量 %d: %w", s.Name(), offset, err)
	}
	return entry.Value, nil
}

// readAt 读满 buf
func readAt(ra io.ReaderAt, buf []byte, offset int64) error {
	n, err := ra.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return ioError(fmt.Sprintf("读取偏移量 %d", offset), err)
}

// readerAt 返回当前可用的读取句柄，调用方需持有 mu
func (s *Segment) readerAt() io.ReaderAt {
	if s.file != nil {
		return s.file
	}
	if s.mm != nil {
		return s.mm
	}
	return nil
}

// Sync 将已追加的数据同步到磁盘
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil {
		if s.mm != nil {
			// 只读文件没有待同步的数据
			return nil
		}
		return ErrFileClosed
	}
	if err := s.file.Sync(); err != nil {
		return ioError("同步数据到磁盘", err)
	}
	return nil
}

// Seal 同步并将文件转为只读，之后的 Append 返回 ErrSegmentReadOnly
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return ioError("封存前同步数据", err)
	}
	s.writable = false
	return nil
}

// Close 关闭数据文件，可重复调用
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if s.writable {
			if err := s.file.Sync(); err != nil {
				return ioError("关闭前同步数据", err)
			}
		}
		if err := s.file.Close(); err != nil {
			return ioError("关闭文件", err)
		}
		s.file = nil
		s.writable = false
	}
	if s.mm != nil {
		if err := s.mm.Close(); err != nil {
			return ioError("关闭内存映射", err)
		}
		s.mm = nil
	}
	return nil
}

// Delete 关闭并删除底层文件
// 只能在索引不再引用该文件之后调用
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("删除数据文件", err)
	}
	return nil
}

// ID 返回文件 ID
func (s *Segment) ID() uint32 {
	return s.id
}

// Name 返回文件名（不含路径）
func (s *Segment) Name() string {
	return SegmentName(s.id)
}

// Path 返回文件完整路径
func (s *Segment) Path() string {
	return s.path
}

// Size 返回当前已写入的字节数
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
