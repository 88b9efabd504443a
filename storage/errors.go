package storage

import "errors"

// ErrKeyNotFound 表示键不存在的错误
var ErrKeyNotFound = errors.New("key not found")

// ErrConfiguration 表示打开引擎时配置不合法（例如数据目录不存在）
var ErrConfiguration = errors.New("configuration error")

// ErrBadArgument 表示参数与磁盘数据不一致，或文件名不符合规则
var ErrBadArgument = errors.New("bad argument")

// ErrDataCorruption 表示校验和不匹配或记录不完整
var ErrDataCorruption = errors.New("data corruption")

// ErrIOFailure 表示底层读写、同步或删除失败
var ErrIOFailure = errors.New("io failure")

// ErrClosed 表示引擎已关闭
var ErrClosed = errors.New("engine is closed")

// ErrReadOnly 表示引擎以只读模式打开
var ErrReadOnly = errors.New("engine is read-only")

// ErrEmptyKey 表示键为空
var ErrEmptyKey = errors.New("key must not be empty")

// ErrValueTooLarge 表示值超过了头部可表示的最大长度
var ErrValueTooLarge = errors.New("value too large")
