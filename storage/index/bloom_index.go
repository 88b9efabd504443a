package index

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomFilter 是布隆过滤器的并发安全包装类
// 用于快速判断一个 key 是否可能存在于索引中
type BloomFilter struct {
	filter *bloom.BloomFilter
	n      uint
	fp     float64
	mu     sync.RWMutex
}

// NewBloomFilter 创建一个新的布隆过滤器
// 参数：
//   - n: 预期存储的元素数量
//   - fp: 期望的误判率
func NewBloomFilter(n uint, fp float64) *BloomFilter {
	// 使用 NewWithEstimates 自动计算最优的 m 和 k
	return &BloomFilter{
		filter: bloom.NewWithEstimates(n, fp),
		n:      n,
		fp:     fp,
	}
}

// Add 添加一个 key 到布隆过滤器
func (bf *BloomFilter) Add(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.filter.Add(key)
}

// Test 测试一个 key 是否可能存在
// 返回 false 表示一定不存在
func (bf *BloomFilter) Test(key []byte) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.filter.Test(key)
}

// Rebuild 用给定的 key 集合构建新的过滤器后整体替换
// 布隆过滤器不支持删除，合并后用存活的 key 重建以清除已删除 key 的痕迹。
// 替换前旧过滤器一直可用，所以并发的 Test 不会出现误判为不存在
func (bf *BloomFilter) Rebuild(keys [][]byte) {
	n := bf.n
	if uint(len(keys)) > n {
		n = uint(len(keys))
	}
	filter := bloom.NewWithEstimates(n, bf.fp)
	for _, k := range keys {
		filter.Add(k)
	}

	bf.mu.Lock()
	bf.filter = filter
	bf.mu.Unlock()
}
