package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/forever-free1/TideCask/storage"
)

// DefaultShards 默认分片数量
const DefaultShards = 32

// stripe 是一个带读写锁的索引分片
type stripe struct {
	mu  sync.RWMutex
	idx Index
}

// StripedIndex 是分片加锁的并发索引
// 每个 key 通过 xxhash 映射到固定分片，单个 key 的 Put/Delete 是原子的，
// 但整个索引不提供跨 key 的原子性
type StripedIndex struct {
	stripes []*stripe
}

// NewStripedIndex 创建分片索引
// 参数：
//   - shards: 分片数量
//   - newShard: 创建单个分片后端的函数
func NewStripedIndex(shards int, newShard func() Index) *StripedIndex {
	if shards < 1 {
		shards = DefaultShards
	}
	si := &StripedIndex{stripes: make([]*stripe, shards)}
	for i := range si.stripes {
		si.stripes[i] = &stripe{idx: newShard()}
	}
	return si
}

func (si *StripedIndex) stripeFor(key []byte) *stripe {
	return si.stripes[xxhash.Sum64(key)%uint64(len(si.stripes))]
}

// Put 写入键值对，最后写入者获胜
func (si *StripedIndex) Put(key []byte, pos *storage.Position) {
	s := si.stripeFor(key)
	s.mu.Lock()
	s.idx.Put(key, pos)
	s.mu.Unlock()
}

// Get 根据键获取位置，不存在返回 nil
func (si *StripedIndex) Get(key []byte) *storage.Position {
	s := si.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Get(key)
}

// Delete 删除键
func (si *StripedIndex) Delete(key []byte) bool {
	s := si.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Delete(key)
}

// Contains 判断键是否存在
func (si *StripedIndex) Contains(key []byte) bool {
	s := si.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Contains(key)
}

// Keys 逐个分片收集键的快照
// 不同分片的快照时刻可能不同
func (si *StripedIndex) Keys() [][]byte {
	var keys [][]byte
	for _, s := range si.stripes {
		s.mu.RLock()
		keys = append(keys, s.idx.Keys()...)
		s.mu.RUnlock()
	}
	return keys
}

// Size 返回所有分片的键数量之和
func (si *StripedIndex) Size() int {
	n := 0
	for _, s := range si.stripes {
		s.mu.RLock()
		n += s.idx.Size()
		s.mu.RUnlock()
	}
	return n
}

// Close 关闭所有分片
func (si *StripedIndex) Close() {
	for _, s := range si.stripes {
		s.mu.Lock()
		s.idx.Close()
		s.mu.Unlock()
	}
}

var _ Index = (*StripedIndex)(nil)
