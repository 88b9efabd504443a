package storage

// Position 表示一条记录在数据文件中的位置
// 同时作为索引的值和读取时的定位参数
type Position struct {
	FileID    uint32 // 数据文件 ID
	Offset    int64  // 记录头部起始偏移量
	Size      uint32 // 记录编码后的总大小（头部 + key + value）
	Timestamp uint32 // 记录写入时间（秒）
}

// Same 判断两个位置是否指向同一条记录
func (p *Position) Same(other *Position) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.FileID == other.FileID && p.Offset == other.Offset
}

// Engine 是存储引擎的抽象接口
// 实现了键值存储的基本操作：Put、Get、Delete、Keys、Close
type Engine interface {
	// Put 写入键值对
	Put(key []byte, value []byte) error

	// Get 根据键获取值
	// 键不存在时返回 ErrKeyNotFound
	Get(key []byte) ([]byte, error)

	// Delete 删除键值对
	Delete(key []byte) error

	// Keys 返回当前所有存活键的快照，顺序不做保证
	Keys() [][]byte

	// Close 关闭存储引擎，释放资源
	Close() error
}
