package bitcask

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/forever-free1/TideCask/storage"
	"github.com/forever-free1/TideCask/storage/index"
)

// DB 表示 Bitcask 存储引擎的核心结构体
// 封装了数据文件管理、内存索引和配置选项
//
// 锁的顺序：writeMu -> segMu -> readersMu
type DB struct {
	dir     string       // 数据目录
	options *Options     // 配置选项
	logger  hclog.Logger // 日志
	metrics *metrics     // 指标

	index       *index.StripedIndex // 分片内存索引
	bloomFilter *index.BloomFilter  // 布隆过滤器，用于快速判断 key 是否存在

	// writeMu 串行化 Put、Delete、Merge 和 Close
	writeMu sync.Mutex

	// segMu 保护 active 和 readers 的成员关系。
	// Get 持有读锁完成“查索引 + 读文件”，删除文件必须持有写锁
	segMu  sync.RWMutex
	active *Segment // 当前活跃文件，可能为 nil

	// readers 所有非活跃数据文件，值为 nil 表示尚未打开
	readersMu sync.Mutex
	readers   map[uint32]*Segment

	lastID uint32 // 已知的最大文件 ID，只在 writeMu 下修改

	// tornTails 打开时丢弃了不完整尾部的文件 -> 有效长度，持有 writeMu 和 segMu 写锁时修改
	tornTails map[uint32]int64

	// createSegment 创建新数据文件，默认为 CreateSegment
	createSegment func(dir string, minID uint32) (*Segment, error)

	closed atomic.Bool
}

// Stat 是数据库的运行状态快照
type Stat struct {
	Keys          int    // 存活 key 数量
	Segments      int    // 数据文件数量
	DiskSize      int64  // 数据文件总大小（字节）
	ActiveSegment uint32 // 活跃文件 ID，没有活跃文件时为 0
	TornSegments  int    // 打开时丢弃了不完整尾部的数据文件数量
}

// Open 打开一个 Bitcask 数据库
// 参数：
//   - dir: 数据库目录，必须已存在
//   - opts: 配置选项
//
// 返回：
//   - *DB: 数据库指针
//   - error: 目录不存在时返回 storage.ErrConfiguration，数据损坏时返回 storage.ErrDataCorruption
func Open(dir string, opts ...Option) (*DB, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: 无法访问数据目录 %s: %w", storage.ErrConfiguration, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s 不是目录", storage.ErrConfiguration, dir)
	}
	if options.MergeBatchSize <= 0 {
		return nil, fmt.Errorf("%w: MergeBatchSize 必须大于 0", storage.ErrConfiguration)
	}

	logger := options.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db := &DB{
		dir:         dir,
		options:     options,
		logger:      logger.Named("bitcask"),
		index:       index.New(options.IndexType, options.IndexShards),
		bloomFilter: index.NewBloomFilter(options.BloomFilterN, options.BloomFilterFP),
		readers:     make(map[uint32]*Segment),
		tornTails:   make(map[uint32]int64),

		createSegment: CreateSegment,
	}

	db.metrics, err = newMetrics(options.Registerer, dir,
		func() float64 { return float64(db.index.Size()) },
		func() float64 { return float64(db.segmentCount()) },
	)
	if err != nil {
		return nil, fmt.Errorf("%w: 注册指标失败: %w", storage.ErrConfiguration, err)
	}

	if err := db.bootstrap(); err != nil {
		_ = db.closeSegments()
		db.metrics.unregister()
		return nil, fmt.Errorf("启动引导失败: %w", err)
	}

	db.logger.Info("数据库已打开", "dir", dir, "keys", db.index.Size(), "segments", len(db.readers))
	return db, nil
}

// bootstrap 按文件 ID 升序重放所有数据文件，重建索引和布隆过滤器
func (db *DB) bootstrap() error {
	ids, err := listSegmentIDs(db.dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		seg, err := OpenSegment(db.dir, id)
		if err != nil {
			return err
		}
		db.readers[id] = seg
		db.lastID = id

		if db.options.HintFiles && db.loadHint(seg) {
			continue
		}
		if err := db.replaySegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// listSegmentIDs 返回目录中所有数据文件的 ID（升序），忽略其他文件
func listSegmentIDs(dir string) ([]uint32, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("读取目录", err)
	}

	var ids []uint32
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		id, err := ParseSegmentID(f.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids, nil
}

// replaySegment 扫描一个数据文件并应用到索引
// 墓碑记录从索引中删除 key，其余记录无条件覆盖。
//
// 任何扫描错误都返回 storage.ErrDataCorruption。头部长度字段损坏和追加时崩溃
// 都表现为越过文件末尾的记录，无法区分，所以只有开启 RepairTornTail 时
// 才丢弃越界的尾部：可写模式下截断文件，只读模式下只在内存中忽略
func (db *DB) replaySegment(seg *Segment) error {
	sc := seg.Scan()
	for sc.Next() {
		e := sc.Entry()
		if e.Deleted {
			db.index.Delete(e.Key)
			continue
		}
		db.index.Put(e.Key, e.Position(seg.ID()))
		db.bloomFilter.Add(e.Key)
	}

	err := sc.Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTruncated) || !db.options.RepairTornTail {
		return err
	}

	valid := sc.Offset()
	db.tornTails[seg.ID()] = valid
	if db.options.ReadOnly {
		db.logger.Warn("只读模式下忽略数据文件尾部不完整的记录", "segment", seg.Name(), "valid", valid, "size", seg.Size())
		return nil
	}
	db.logger.Warn("截断数据文件尾部不完整的记录", "segment", seg.Name(), "valid", valid, "size", seg.Size())
	return db.truncateSegment(seg, valid)
}

// truncateSegment 将数据文件截断到 size 并重新打开
func (db *DB) truncateSegment(seg *Segment, size int64) error {
	delete(db.readers, seg.ID())
	if err := seg.Close(); err != nil {
		return err
	}
	if err := os.Truncate(seg.Path(), size); err != nil {
		return ioError("截断数据文件", err)
	}

	repaired, err := OpenSegment(db.dir, seg.ID())
	if err != nil {
		return err
	}
	db.readers[seg.ID()] = repaired
	return nil
}

// loadHint 尝试用 hint 文件重建该数据文件的索引，返回是否成功
func (db *DB) loadHint(seg *Segment) bool {
	hint, err := readHint(db.dir, seg.ID(), seg.Size())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			db.logger.Warn("hint 文件不可用，回退到全量扫描", "segment", seg.Name(), "error", err)
		}
		return false
	}

	for _, r := range hint.Records {
		db.index.Put(r.Key, &storage.Position{
			FileID:    seg.ID(),
			Offset:    r.Offset,
			Size:      r.Size,
			Timestamp: r.Timestamp,
		})
		db.bloomFilter.Add(r.Key)
	}
	db.logger.Debug("使用 hint 文件加载索引", "segment", seg.Name(), "keys", len(hint.Records))
	return true
}

// Put 写入键值对
// 参数：
//   - key: 键，不能为空
//   - value: 值
//
// 返回：
//   - error: 写入错误
func (db *DB) Put(key []byte, value []byte) (err error) {
	defer func() { db.metrics.observe("put", err) }()

	if len(key) == 0 {
		return storage.ErrEmptyKey
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d 字节", storage.ErrValueTooLarge, len(value))
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.checkWritable(); err != nil {
		return err
	}

	seg, err := db.activeSegment()
	if err != nil {
		return err
	}
	pos, err := seg.Append(key, value)
	if err != nil {
		return fmt.Errorf("写入数据文件失败: %w", err)
	}
	if db.options.SyncOnPut {
		if err := seg.Sync(); err != nil {
			return err
		}
	}

	db.index.Put(key, pos)
	db.bloomFilter.Add(key)

	if db.options.WatchHub != nil {
		db.options.WatchHub.NotifyPut(key, value)
	}
	return nil
}

// Get 根据键获取值
// 参数：
//   - key: 键
//
// 返回：
//   - []byte: 值
//   - error: 键不存在时返回 storage.ErrKeyNotFound
func (db *DB) Get(key []byte) (value []byte, err error) {
	defer func() { db.metrics.observe("get", err) }()

	if db.closed.Load() {
		return nil, storage.ErrClosed
	}

	// 布隆过滤器返回 false 时 key 一定不存在
	if !db.bloomFilter.Test(key) {
		return nil, storage.ErrKeyNotFound
	}

	db.segMu.RLock()
	defer db.segMu.RUnlock()

	if db.closed.Load() {
		return nil, storage.ErrClosed
	}

	pos := db.index.Get(key)
	if pos == nil {
		return nil, storage.ErrKeyNotFound
	}

	seg, err := db.segmentLocked(pos.FileID)
	if err != nil {
		return nil, err
	}
	return seg.Read(pos.Offset, pos.Size)
}

// Delete 删除键值对
// 总是追加一条墓碑记录，key 不存在时也不返回错误
func (db *DB) Delete(key []byte) (err error) {
	defer func() { db.metrics.observe("delete", err) }()

	if len(key) == 0 {
		return storage.ErrEmptyKey
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.checkWritable(); err != nil {
		return err
	}

	seg, err := db.activeSegment()
	if err != nil {
		return err
	}
	if _, err := seg.AppendTombstone(key); err != nil {
		return fmt.Errorf("写入墓碑记录失败: %w", err)
	}
	if db.options.SyncOnPut {
		if err := seg.Sync(); err != nil {
			return err
		}
	}

	// 布隆过滤器不支持删除，Get 时由索引二次确认
	existed := db.index.Delete(key)

	if existed && db.options.WatchHub != nil {
		db.options.WatchHub.NotifyDelete(key)
	}
	return nil
}

// Keys 返回所有存活键的快照
func (db *DB) Keys() [][]byte {
	return db.index.Keys()
}

// ForEach 按 Keys 的快照依次读取每个存活的键值对
// 遍历期间被删除的键会被跳过；fn 返回错误时停止遍历并返回该错误
func (db *DB) ForEach(fn func(key, value []byte) error) error {
	for _, key := range db.Keys() {
		value, err := db.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Fold 在所有存活的键值对上累积计算
func Fold[T any](db *DB, init T, fn func(acc T, key, value []byte) (T, error)) (T, error) {
	acc := init
	err := db.ForEach(func(key, value []byte) error {
		var err error
		acc, err = fn(acc, key, value)
		return err
	})
	return acc, err
}

// Sync 将活跃文件同步到磁盘
func (db *DB) Sync() error {
	db.segMu.RLock()
	defer db.segMu.RUnlock()

	if db.closed.Load() {
		return storage.ErrClosed
	}
	if db.active == nil {
		return nil
	}
	return db.active.Sync()
}

// Close 关闭数据库，同步活跃文件并释放所有文件句柄
// 重复调用返回 nil，关闭后的其他操作返回 storage.ErrClosed
func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := db.closeSegments()
	db.index.Close()
	db.metrics.unregister()

	db.logger.Info("数据库已关闭", "dir", db.dir)
	return err
}

// closeSegments 关闭所有数据文件，返回遇到的错误
func (db *DB) closeSegments() error {
	db.segMu.Lock()
	defer db.segMu.Unlock()

	var errs []error
	if db.active != nil {
		if err := db.active.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭活跃文件失败: %w", err))
		}
		db.active = nil
	}
	for id, seg := range db.readers {
		if seg == nil {
			continue
		}
		if err := seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭数据文件 %s 失败: %w", SegmentName(id), err))
		}
	}
	db.readers = make(map[uint32]*Segment)
	return errors.Join(errs...)
}

// Stat 返回数据库的状态快照
func (db *DB) Stat() (*Stat, error) {
	if db.closed.Load() {
		return nil, storage.ErrClosed
	}

	db.segMu.RLock()
	defer db.segMu.RUnlock()

	stat := &Stat{Keys: db.index.Size()}
	if db.active != nil {
		stat.ActiveSegment = db.active.ID()
		stat.Segments++
		stat.DiskSize += db.active.Size()
	}

	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	for id, seg := range db.readers {
		stat.Segments++
		if seg != nil {
			stat.DiskSize += seg.Size()
			continue
		}
		info, err := os.Stat(segmentPath(db.dir, id))
		if err != nil {
			return nil, ioError("获取数据文件信息", err)
		}
		stat.DiskSize += info.Size()
	}

	stat.TornSegments = len(db.tornTails)

	return stat, nil
}

// checkWritable 检查是否允许写入，调用方需持有 writeMu
func (db *DB) checkWritable() error {
	if db.closed.Load() {
		return storage.ErrClosed
	}
	if db.options.ReadOnly {
		return storage.ErrReadOnly
	}
	return nil
}

// activeSegment 返回可追加的活跃文件，调用方需持有 writeMu
// 活跃文件达到大小限制时封存并转为只读文件；没有活跃文件时创建一个新文件
func (db *DB) activeSegment() (*Segment, error) {
	if db.active != nil {
		limit := db.options.SegmentSizeLimit
		if limit <= 0 || db.active.Size() < limit {
			return db.active, nil
		}
		if err := db.rotate(); err != nil {
			return nil, fmt.Errorf("轮转活跃文件失败: %w", err)
		}
	}

	seg, err := db.newSegment()
	if err != nil {
		return nil, err
	}

	db.segMu.Lock()
	db.active = seg
	db.segMu.Unlock()

	db.logger.Debug("创建活跃文件", "segment", seg.Name())
	return seg, nil
}

// rotate 封存活跃文件并移入只读文件集合
func (db *DB) rotate() error {
	if err := db.active.Seal(); err != nil {
		return err
	}

	db.segMu.Lock()
	defer db.segMu.Unlock()

	db.readersMu.Lock()
	db.readers[db.active.ID()] = db.active
	db.readersMu.Unlock()
	db.active = nil
	return nil
}

// newSegment 创建 ID 大于所有已知文件的新数据文件，调用方需持有 writeMu
func (db *DB) newSegment() (*Segment, error) {
	seg, err := db.createSegment(db.dir, db.lastID+1)
	if err != nil {
		return nil, err
	}
	db.lastID = seg.ID()

	// 同 ID 的 hint 只可能是残留文件
	if err := removeHint(db.dir, seg.ID()); err != nil {
		_ = seg.Delete()
		return nil, err
	}
	return seg, nil
}

// segment 返回指定 ID 的数据文件
func (db *DB) segment(id uint32) (*Segment, error) {
	db.segMu.RLock()
	defer db.segMu.RUnlock()
	return db.segmentLocked(id)
}

// segmentLocked 返回指定 ID 的数据文件，必要时打开它，调用方需持有 segMu
func (db *DB) segmentLocked(id uint32) (*Segment, error) {
	if db.active != nil && db.active.ID() == id {
		return db.active, nil
	}

	db.readersMu.Lock()
	defer db.readersMu.Unlock()

	seg, ok := db.readers[id]
	if !ok {
		return nil, fmt.Errorf("%w: 索引引用了不存在的数据文件 %s", storage.ErrDataCorruption, SegmentName(id))
	}
	if seg == nil {
		var err error
		seg, err = OpenSegment(db.dir, id)
		if err != nil {
			return nil, err
		}
		db.readers[id] = seg
	}
	return seg, nil
}

// segmentCount 返回数据文件数量
func (db *DB) segmentCount() int {
	db.segMu.RLock()
	defer db.segMu.RUnlock()

	db.readersMu.Lock()
	n := len(db.readers)
	db.readersMu.Unlock()

	if db.active != nil {
		n++
	}
	return n
}

// 确保 DB 实现了 storage.Engine 接口
var _ storage.Engine = (*DB)(nil)
