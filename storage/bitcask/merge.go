package bitcask

import (
	"fmt"
	"sort"
	"time"

	"github.com/forever-free1/TideCask/storage"
)

// mergeBuffer 暂存待写入新文件的存活记录
type mergeBuffer struct {
	entries []*Entry
	size    int64
}

func (b *mergeBuffer) add(e *Entry) {
	b.entries = append(b.entries, e)
	b.size += int64(e.Size())
}

func (b *mergeBuffer) reset() {
	b.entries = nil
	b.size = 0
}

// Merge 合并所有数据文件，只保留每个 key 的最新记录
//
// 合并期间持有写锁，Put/Delete 会等待合并完成，Get 不受影响。
// 存活记录按批写入 ID 更大的新文件，最后一批成为新的活跃文件。
// 每一批在新文件注册并更新索引之后即提交，随后按 ID 升序删除该批的源文件；
// 之后的批次失败时，已提交的批次不回滚，未提交批次的源文件保持不变。
// 没有存活记录时合并后目录中不再有数据文件。
func (db *DB) Merge() (err error) {
	defer func() { db.metrics.observe("merge", err) }()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.checkWritable(); err != nil {
		return err
	}

	start := time.Now()
	reclaimed, err := db.merge()
	if err != nil {
		db.logger.Error("合并失败", "error", err)
		return err
	}

	elapsed := time.Since(start)
	db.metrics.mergeDuration.Observe(elapsed.Seconds())
	if reclaimed > 0 {
		db.metrics.reclaimed.Add(float64(reclaimed))
	}

	// 合并丢弃了已删除的 key，重建布隆过滤器以恢复准确率
	db.bloomFilter.Rebuild(db.index.Keys())

	db.logger.Info("合并完成", "duration", elapsed, "reclaimed", reclaimed, "keys", db.index.Size())
	return nil
}

// merge 执行合并，返回回收的字节数
func (db *DB) merge() (int64, error) {
	if db.active != nil {
		if err := db.rotate(); err != nil {
			return 0, fmt.Errorf("封存活跃文件失败: %w", err)
		}
	}

	db.segMu.RLock()
	db.readersMu.Lock()
	ids := make([]uint32, 0, len(db.readers))
	for id := range db.readers {
		ids = append(ids, id)
	}
	db.readersMu.Unlock()
	db.segMu.RUnlock()

	if len(ids) == 0 {
		return 0, nil
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	var (
		buf        mergeBuffer
		before     int64
		after      int64
		written    int
		batchStart int
	)
	for i, id := range ids {
		seg, err := db.segment(id)
		if err != nil {
			return 0, err
		}
		if err := db.collectLive(seg, &buf); err != nil {
			return 0, err
		}
		before += seg.Size()

		// 最后一个文件之后的批次由下面统一处理
		if buf.size >= db.options.MergeBatchSize && i < len(ids)-1 {
			size, err := db.flushMerge(&buf, false)
			if err != nil {
				return 0, err
			}
			after += size
			written++
			buf.reset()

			if err := db.retire(ids[batchStart : i+1]); err != nil {
				return 0, err
			}
			batchStart = i + 1
		}
	}

	if len(buf.entries) > 0 {
		size, err := db.flushMerge(&buf, true)
		if err != nil {
			return 0, err
		}
		after += size
		written++
	}

	if err := db.retire(ids[batchStart:]); err != nil {
		return 0, err
	}

	db.logger.Debug("合并写入新文件", "sources", len(ids), "outputs", written)
	return before - after, nil
}

// collectLive 扫描数据文件，把索引仍指向的记录加入缓冲区
// 以位置而不是 key 判断存活，跨批次时已经搬走的 key 不会被旧记录覆盖
func (db *DB) collectLive(seg *Segment, buf *mergeBuffer) error {
	sc := seg.Scan()
	for sc.Next() {
		e := sc.Entry()
		if e.Deleted {
			continue
		}
		if !e.Position(seg.ID()).Same(db.index.Get(e.Key)) {
			continue
		}
		buf.add(e)
	}

	if err := sc.Err(); err != nil {
		return err
	}
	// 文件读完之后才能被删除
	if sc.Offset() != seg.Size() {
		return fmt.Errorf("%w: %s 扫描停在偏移量 %d, 文件大小 %d", storage.ErrDataCorruption, seg.Name(), sc.Offset(), seg.Size())
	}
	return nil
}

// flushMerge 把缓冲区写入一个新文件，注册该文件并更新索引
// promote 为 true 时新文件成为活跃文件，否则封存为只读文件。
// 写入失败时删除新文件，索引保持不变
func (db *DB) flushMerge(buf *mergeBuffer, promote bool) (int64, error) {
	seg, err := db.newSegment()
	if err != nil {
		return 0, err
	}

	positions := make([]*storage.Position, len(buf.entries))
	for i, e := range buf.entries {
		pos, err := seg.AppendEntry(e)
		if err != nil {
			_ = seg.Delete()
			return 0, fmt.Errorf("写入合并文件失败: %w", err)
		}
		positions[i] = pos
	}
	if err := seg.Sync(); err != nil {
		_ = seg.Delete()
		return 0, err
	}
	if !promote {
		if err := seg.Seal(); err != nil {
			_ = seg.Delete()
			return 0, err
		}
	}

	if db.options.HintFiles {
		if err := writeHint(db.dir, seg, buf.entries, positions); err != nil {
			// hint 只用于加速启动，失败不影响合并结果
			db.logger.Warn("写入 hint 文件失败", "segment", seg.Name(), "error", err)
		}
	}

	db.segMu.Lock()
	if promote {
		db.active = seg
	} else {
		db.readersMu.Lock()
		db.readers[seg.ID()] = seg
		db.readersMu.Unlock()
	}
	db.segMu.Unlock()

	for i, e := range buf.entries {
		db.index.Put(e.Key, positions[i])
	}
	return seg.Size(), nil
}

// retire 按 ID 升序删除已合并的旧文件，遇到第一个失败即停止
// 保留的文件 ID 都比已删除的大，重放时墓碑记录不会早于被它删除的记录消失
func (db *DB) retire(ids []uint32) error {
	for _, id := range ids {
		if err := db.retireOne(id); err != nil {
			return fmt.Errorf("删除旧数据文件 %s 失败: %w", SegmentName(id), err)
		}
	}
	return nil
}

func (db *DB) retireOne(id uint32) error {
	db.segMu.Lock()
	defer db.segMu.Unlock()

	db.readersMu.Lock()
	defer db.readersMu.Unlock()

	seg := db.readers[id]
	if seg == nil {
		seg = &Segment{id: id, path: segmentPath(db.dir, id)}
	}
	if err := seg.Delete(); err != nil {
		// 文件句柄可能已关闭，之后按需重新打开
		db.readers[id] = nil
		return err
	}
	delete(db.readers, id)
	delete(db.tornTails, id)

	return removeHint(db.dir, id)
}
