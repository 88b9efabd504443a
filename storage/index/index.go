package index

import "github.com/forever-free1/TideCask/storage"

// Index 是内存索引的抽象接口
// 负责存储键到文件位置（Position）的映射，只保存每个键最新的位置
type Index interface {
	// Put 写入键值对到索引，无条件覆盖旧位置
	Put(key []byte, pos *storage.Position)

	// Get 根据键获取位置，不存在返回 nil
	Get(key []byte) *storage.Position

	// Delete 根据键删除索引，返回是否删除成功
	Delete(key []byte) bool

	// Contains 判断键是否存在
	Contains(key []byte) bool

	// Keys 返回当前所有键的快照（副本），顺序不做保证
	Keys() [][]byte

	// Size 返回索引中的键值对数量
	Size() int

	// Close 关闭索引，释放资源
	Close()
}

// Type 定义索引后端类型
type Type int

const (
	// TypeMap 使用内置 Map 作为分片后端（默认）
	TypeMap Type = iota
	// TypeART 使用自适应基数树作为分片后端
	TypeART
)

// String 返回索引类型名称
func (t Type) String() string {
	switch t {
	case TypeART:
		return "art"
	default:
		return "map"
	}
}

// New 创建一个并发安全的分片索引
// 参数：
//   - typ: 每个分片使用的后端
//   - shards: 分片数量，小于 1 时使用默认值
func New(typ Type, shards int) *StripedIndex {
	newShard := func() Index { return NewMapIndex() }
	if typ == TypeART {
		newShard = func() Index { return NewARTIndex() }
	}
	return NewStripedIndex(shards, newShard)
}
