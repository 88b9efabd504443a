package raft

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"

	"github.com/forever-free1/TideCask/storage"
)

// BitcaskFSM 实现 Hashicorp Raft 的 FSM 接口
// 用于将 Raft 日志应用到 Bitcask 存储引擎
type BitcaskFSM struct {
	engine storage.Engine // 底层的存储引擎
}

// NewBitcaskFSM 创建新的 BitcaskFSM
func NewBitcaskFSM(engine storage.Engine) *BitcaskFSM {
	return &BitcaskFSM{
		engine: engine,
	}
}

// Apply 将 Raft 日志应用到状态机
// 当日志被复制到多数节点后，Raft 调用 Apply 将命令应用到存储引擎
//
// 参数：
//   - log: Raft 传递过来的日志消息
//
// 返回：
//   - interface{}: 执行失败时为 error，否则为 nil
func (f *BitcaskFSM) Apply(log *raft.Log) interface{} {
	cmd, err := DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CommandPut:
		if err := f.engine.Put(cmd.Key, cmd.Value); err != nil {
			return fmt.Errorf("Put 执行失败: %w", err)
		}
		return nil

	case CommandDelete:
		if err := f.engine.Delete(cmd.Key); err != nil {
			return fmt.Errorf("Delete 执行失败: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("未知的命令类型: %s", cmd.Type)
	}
}

// Snapshot 创建状态机的快照
// Snapshot 与 Apply 不会并发执行，这里读出所有存活的键值对，
// 之后的 Persist 可以在其他 goroutine 中慢慢写出
func (f *BitcaskFSM) Snapshot() (raft.FSMSnapshot, error) {
	keys := f.engine.Keys()
	pairs := make([]snapshotPair, 0, len(keys))
	for _, key := range keys {
		value, err := f.engine.Get(key)
		if err != nil {
			return nil, fmt.Errorf("读取快照数据失败: %w", err)
		}
		pairs = append(pairs, snapshotPair{Key: key, Value: value})
	}
	return &BitcaskSnapshot{pairs: pairs}, nil
}

// Restore 从快照恢复状态机
// 先删除引擎中的所有键，再写入快照中的键值对
func (f *BitcaskFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	dec := codec.NewDecoder(snapshot, &codec.MsgpackHandle{})
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("解码快照头失败: %w", err)
	}

	for _, key := range f.engine.Keys() {
		if err := f.engine.Delete(key); err != nil {
			return fmt.Errorf("清理旧数据失败: %w", err)
		}
	}

	for i := 0; i < header.Count; i++ {
		var pair snapshotPair
		if err := dec.Decode(&pair); err != nil {
			return fmt.Errorf("解码快照第 %d 条记录失败: %w", i, err)
		}
		if err := f.engine.Put(pair.Key, pair.Value); err != nil {
			return fmt.Errorf("恢复快照数据失败: %w", err)
		}
	}
	return nil
}

// snapshotHeader 快照格式：一个 header，之后是 Count 个 snapshotPair
type snapshotHeader struct {
	Count int `codec:"count"`
}

type snapshotPair struct {
	Key   []byte `codec:"k"`
	Value []byte `codec:"v"`
}

// BitcaskSnapshot 实现 raft.FSMSnapshot 接口
type BitcaskSnapshot struct {
	pairs []snapshotPair
}

// Persist 将快照数据写入 sink
func (s *BitcaskSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := codec.NewEncoder(sink, &codec.MsgpackHandle{})

	err := enc.Encode(&snapshotHeader{Count: len(s.pairs)})
	for i := 0; err == nil && i < len(s.pairs); i++ {
		err = enc.Encode(&s.pairs[i])
	}
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("写入快照失败: %w", err)
	}

	return sink.Close()
}

// Release 释放快照资源
func (s *BitcaskSnapshot) Release() {
	s.pairs = nil
}

// 确保 BitcaskFSM 实现了 raft.FSM 接口
var _ raft.FSM = (*BitcaskFSM)(nil)
