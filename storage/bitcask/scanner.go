package bitcask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const scanBufferSize = 64 * 1024

// Scanner 顺序解码数据文件中的所有记录
//
//	sc := seg.Scan()
//	for sc.Next() {
//		e := sc.Entry()
//	}
//	if err := sc.Err(); err != nil { ... }
//
// 扫描范围是调用 Scan 时的文件大小，扫描过程不修改文件。
type Scanner struct {
	r      *bufio.Reader
	offset int64
	end    int64
	entry  *Entry
	err    error
	name   string
}

// Scan 返回一个从偏移量 0 开始的新扫描器
func (s *Segment) Scan() *Scanner {
	s.mu.RLock()
	ra := s.readerAt()
	end := s.size
	file := s.file
	s.mu.RUnlock()

	if ra == nil {
		return &Scanner{err: ErrFileClosed, name: s.Name()}
	}
	if file != nil {
		adviseSequential(file)
	}
	return &Scanner{
		r:    bufio.NewReaderSize(io.NewSectionReader(ra, 0, end), scanBufferSize),
		end:  end,
		name: s.Name(),
	}
}

// Next 解码下一条记录，没有更多记录或出错时返回 false
func (sc *Scanner) Next() bool {
	if sc.err != nil || sc.offset >= sc.end {
		return false
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(sc.r, header); err != nil {
		sc.fail(err)
		return false
	}

	total := decodeHeader(header).encodedSize()
	if sc.offset+total > sc.end {
		sc.err = fmt.Errorf("%s 偏移量 %d: %w", sc.name, sc.offset, ErrTruncated)
		return false
	}

	data := make([]byte, total)
	copy(data, header)
	if _, err := io.ReadFull(sc.r, data[HeaderSize:]); err != nil {
		sc.fail(err)
		return false
	}

	entry, err := Decode(data)
	if err != nil {
		sc.err = fmt.Errorf("%s 偏移量 %d: %w", sc.name, sc.offset, err)
		return false
	}
	entry.Offset = sc.offset
	sc.offset += total
	sc.entry = entry
	return true
}

func (sc *Scanner) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		sc.err = fmt.Errorf("%s 偏移量 %d: %w", sc.name, sc.offset, ErrTruncated)
		return
	}
	sc.err = ioError(fmt.Sprintf("扫描 %s", sc.name), err)
}

// Entry 返回最近一次 Next 解码出的记录
func (sc *Scanner) Entry() *Entry {
	return sc.entry
}

// Offset 返回下一条待解码记录的偏移量；扫描失败时即为出错记录的偏移量
func (sc *Scanner) Offset() int64 {
	return sc.offset
}

// Err 返回扫描过程中遇到的第一个错误，正常结束时返回 nil
func (sc *Scanner) Err() error {
	return sc.err
}
