package index

import (
	art "github.com/plar/go-adaptive-radix-tree"

	"github.com/forever-free1/TideCask/storage"
)

// ARTIndex 是基于自适应基数树（Adaptive Radix Tree）的内存索引实现
// 注意：ARTIndex 本身不是并发安全的，需要由 StripedIndex 包装
type ARTIndex struct {
	tree art.Tree
}

// NewARTIndex 创建一个新的 ART 索引实例
func NewARTIndex() *ARTIndex {
	return &ARTIndex{
		tree: art.New(),
	}
}

// Put 写入键值对到 ART 索引
// 树会持有 key 的引用，所以这里先复制一份
func (idx *ARTIndex) Put(key []byte, pos *storage.Position) {
	k := make([]byte, len(key))
	copy(k, key)
	idx.tree.Insert(art.Key(k), pos)
}

// Get 根据键从 ART 索引获取位置
func (idx *ARTIndex) Get(key []byte) *storage.Position {
	value, found := idx.tree.Search(art.Key(key))
	if !found {
		return nil
	}
	return value.(*storage.Position)
}

// Delete 从 ART 索引中删除键
func (idx *ARTIndex) Delete(key []byte) bool {
	_, deleted := idx.tree.Delete(art.Key(key))
	return deleted
}

// Contains 判断键是否存在
func (idx *ARTIndex) Contains(key []byte) bool {
	_, found := idx.tree.Search(art.Key(key))
	return found
}

// Keys 按字典序返回所有键的副本
func (idx *ARTIndex) Keys() [][]byte {
	keys := make([][]byte, 0, idx.tree.Size())
	idx.tree.ForEach(func(node art.Node) bool {
		k := make([]byte, len(node.Key()))
		copy(k, node.Key())
		keys = append(keys, k)
		return true
	})
	return keys
}

// Size 返回 ART 索引中的键值对数量
func (idx *ARTIndex) Size() int {
	return idx.tree.Size()
}

// Close 关闭 ART 索引
func (idx *ARTIndex) Close() {
	idx.tree = art.New()
}

// 确保 ARTIndex 实现了 Index 接口
var _ Index = (*ARTIndex)(nil)
