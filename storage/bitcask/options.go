package bitcask

import (
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forever-free1/TideCask/storage/index"
	"github.com/forever-free1/TideCask/watch"
)

// Options 定义 DB 的配置选项
type Options struct {
	// SegmentSizeLimit 单个活跃文件的大小限制（字节）
	// 追加前超过限制时封存当前文件并创建新文件，0 表示不限制
	SegmentSizeLimit int64

	// MergeBatchSize 合并缓冲区达到该大小（字节）时落盘一次
	MergeBatchSize int64

	// IndexType 索引分片的后端类型：Map 或 ART
	IndexType index.Type

	// IndexShards 索引分片数量
	IndexShards int

	// BloomFilterN 布隆过滤器预期的 key 数量
	BloomFilterN uint

	// BloomFilterFP 布隆过滤器的期望误判率
	BloomFilterFP float64

	// SyncOnPut 每次 Put/Delete 之后同步活跃文件
	SyncOnPut bool

	// ReadOnly 只读模式，Put/Delete/Merge 返回 storage.ErrReadOnly
	ReadOnly bool

	// RepairTornTail 打开时丢弃越过文件末尾的不完整记录，默认直接返回 storage.ErrDataCorruption
	// 头部长度字段损坏的记录同样越界，开启后其后的所有记录都会被丢弃
	RepairTornTail bool

	// HintFiles 合并时为新文件生成 hint 文件，打开时优先使用有效的 hint 文件
	HintFiles bool

	// Logger 日志输出，默认不输出
	Logger hclog.Logger

	// Registerer 指标注册器，为 nil 时不注册指标
	Registerer prometheus.Registerer

	// WatchHub 变更通知中心，为 nil 时不通知
	WatchHub *watch.WatchHub
}

// DefaultOptions 返回默认配置
func DefaultOptions() *Options {
	return &Options{
		SegmentSizeLimit: 64 * 1024 * 1024,  // 默认 64MB
		MergeBatchSize:   500 * 1024 * 1024, // 默认 500MB
		IndexType:        index.TypeMap,
		IndexShards:      index.DefaultShards,
		BloomFilterN:     1000000, // 预估最多存储 100 万个 key
		BloomFilterFP:    0.01,    // 默认 1% 误判率
	}
}

// Option 定义 Options 的配置函数
type Option func(*Options)

// WithSegmentSizeLimit 设置单文件大小限制
func WithSegmentSizeLimit(limit int64) Option {
	return func(o *Options) {
		o.SegmentSizeLimit = limit
	}
}

// WithMergeBatchSize 设置合并批次大小
func WithMergeBatchSize(size int64) Option {
	return func(o *Options) {
		o.MergeBatchSize = size
	}
}

// WithIndexType 设置索引类型
func WithIndexType(indexType index.Type) Option {
	return func(o *Options) {
		o.IndexType = indexType
	}
}

// WithIndexShards 设置索引分片数量
func WithIndexShards(shards int) Option {
	return func(o *Options) {
		o.IndexShards = shards
	}
}

// WithBloomFilter 设置布隆过滤器的预期容量和误判率
func WithBloomFilter(n uint, fp float64) Option {
	return func(o *Options) {
		o.BloomFilterN = n
		o.BloomFilterFP = fp
	}
}

// WithSyncOnPut 设置每次写入后是否同步
func WithSyncOnPut(sync bool) Option {
	return func(o *Options) {
		o.SyncOnPut = sync
	}
}

// WithReadOnly 设置只读模式
func WithReadOnly(readOnly bool) Option {
	return func(o *Options) {
		o.ReadOnly = readOnly
	}
}

// WithRepairTornTail 设置打开时是否截断不完整的尾部记录
func WithRepairTornTail(repair bool) Option {
	return func(o *Options) {
		o.RepairTornTail = repair
	}
}

// WithHintFiles 设置是否生成和使用 hint 文件
func WithHintFiles(enabled bool) Option {
	return func(o *Options) {
		o.HintFiles = enabled
	}
}

// WithLogger 设置日志输出
func WithLogger(logger hclog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithRegisterer 设置 Prometheus 指标注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithWatchHub 设置变更通知中心
func WithWatchHub(hub *watch.WatchHub) Option {
	return func(o *Options) {
		o.WatchHub = hub
	}
}
