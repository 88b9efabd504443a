package index

import (
	"github.com/forever-free1/TideCask/storage"
)

// MapIndex 是基于 Go 内置 map 的内存索引实现
// string(key) 按字节精确比较，不假设任何文本编码
// 注意：MapIndex 本身不是并发安全的，需要由 StripedIndex 包装
type MapIndex struct {
	data map[string]*storage.Position
}

// NewMapIndex 创建一个新的 Map 索引实例
func NewMapIndex() *MapIndex {
	return &MapIndex{
		data: make(map[string]*storage.Position),
	}
}

// Put 写入键值对到 Map 索引
func (idx *MapIndex) Put(key []byte, pos *storage.Position) {
	idx.data[string(key)] = pos
}

// Get 根据键从 Map 索引获取位置
func (idx *MapIndex) Get(key []byte) *storage.Position {
	return idx.data[string(key)]
}

// Delete 从 Map 索引中删除键
func (idx *MapIndex) Delete(key []byte) bool {
	if _, exists := idx.data[string(key)]; !exists {
		return false
	}
	delete(idx.data, string(key))
	return true
}

// Contains 判断键是否存在
func (idx *MapIndex) Contains(key []byte) bool {
	_, exists := idx.data[string(key)]
	return exists
}

// Keys 返回所有键的副本
func (idx *MapIndex) Keys() [][]byte {
	keys := make([][]byte, 0, len(idx.data))
	for k := range idx.data {
		keys = append(keys, []byte(k))
	}
	return keys
}

// Size 返回 Map 索引中的键值对数量
func (idx *MapIndex) Size() int {
	return len(idx.data)
}

// Close 关闭 Map 索引
func (idx *MapIndex) Close() {
	// 清空 map，释放内存
	idx.data = make(map[string]*storage.Position)
}

// 确保 MapIndex 实现了 Index 接口
var _ Index = (*MapIndex)(nil)
