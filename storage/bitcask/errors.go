package bitcask

import (
	"errors"
	"fmt"

	"github.com/forever-free1/TideCask/storage"
)

// ErrTruncated 表示数据文件末尾存在不完整的记录（通常是写入过程中崩溃）
var ErrTruncated = fmt.Errorf("%w: truncated entry at end of segment", storage.ErrDataCorruption)

// ErrFileClosed 表示文件已关闭
var ErrFileClosed = errors.New("file is closed")

// ErrSegmentReadOnly 表示向只读数据文件追加写入
var ErrSegmentReadOnly = errors.New("segment is read-only")

// ioError 将底层错误包装为 storage.ErrIOFailure，同时保留原始错误
func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrIOFailure, op, err)
}
