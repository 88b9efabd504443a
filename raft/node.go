package raft

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/forever-free1/TideCask/storage"
)

// ErrNoLeader 表示在等待时间内没有选出 Leader
var ErrNoLeader = errors.New("no raft leader")

// ==================== 节点配置 ====================

// NodeConfig 定义 Raft 节点的配置
type NodeConfig struct {
	// 节点 ID
	NodeID raft.ServerID

	// 快照目录
	DataDir string

	// Transport 节点间的传输层，为 nil 时使用进程内的内存传输
	Transport raft.Transport

	// 集群配置
	Bootstrap bool          // 是否引导集群
	Peers     []raft.Server // 初始集群节点，为空时只包含本节点

	// Raft 可选的 Raft 配置，为 nil 时使用 raft.DefaultConfig()
	Raft *raft.Config

	// ApplyTimeout 提交命令的超时时间，默认 5 秒
	ApplyTimeout time.Duration

	// Logger 日志输出，默认不输出
	Logger hclog.Logger
}

// Node Raft 节点封装
// 写操作经过 Raft 日志复制后由 BitcaskFSM 应用到本地引擎，读操作直接访问本地引擎
type Node struct {
	raft      *raft.Raft
	fsm       *BitcaskFSM
	engine    storage.Engine
	transport raft.Transport
	inmem     *raft.InmemTransport // 自行创建的内存传输，关闭时一并关闭
	config    *NodeConfig
}

// ==================== 节点创建 ====================

// NewNode 创建新的 Raft 节点
//
// 参数：
//   - engine: 底层的存储引擎（Bitcask）
//   - config: 节点配置
//
// 返回：
//   - *Node: Raft 节点
//   - error: 创建错误
func NewNode(engine storage.Engine, config *NodeConfig) (*Node, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("%w: 缺少节点 ID", storage.ErrConfiguration)
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("raft")

	raftConfig := raft.DefaultConfig()
	if config.Raft != nil {
		copied := *config.Raft
		raftConfig = &copied
	}
	raftConfig.LocalID = config.NodeID
	raftConfig.Logger = logger

	// 日志和稳定存储使用内存实现，状态由快照和引擎自身的数据文件恢复
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(config.DataDir, 3, logger)
	if err != nil {
		return nil, fmt.Errorf("创建快照存储失败: %w", err)
	}

	node := &Node{
		fsm:       NewBitcaskFSM(engine),
		engine:    engine,
		transport: config.Transport,
		config:    config,
	}
	if node.transport == nil {
		_, node.inmem = raft.NewInmemTransport("")
		node.transport = node.inmem
	}

	ra, err := raft.NewRaft(raftConfig, node.fsm, logStore, stableStore, snapshotStore, node.transport)
	if err != nil {
		node.closeTransport()
		return nil, fmt.Errorf("创建 Raft 实例失败: %w", err)
	}
	node.raft = ra

	if config.Bootstrap {
		peers := config.Peers
		if len(peers) == 0 {
			peers = []raft.Server{{
				ID:      config.NodeID,
				Address: node.transport.LocalAddr(),
			}}
		}
		if err := ra.BootstrapCluster(raft.Configuration{Servers: peers}).Error(); err != nil {
			ra.Shutdown()
			node.closeTransport()
			return nil, fmt.Errorf("引导集群失败: %w", err)
		}
	}

	return node, nil
}

// ==================== 客户端操作 ====================

// Put 通过 Raft 集群写入键值对
// 命令会先写入 Raft 日志，经过共识后才应用到 FSM
func (n *Node) Put(key []byte, value []byte) error {
	return n.apply(&LogCommand{
		Type:  CommandPut,
		Key:   key,
		Value: value,
	})
}

// Get 从本地存储引擎读取值
// 注意：Get 不经过 Raft，直接从本地读取
func (n *Node) Get(key []byte) ([]byte, error) {
	return n.engine.Get(key)
}

// Delete 通过 Raft 集群删除键值对
func (n *Node) Delete(key []byte) error {
	return n.apply(&LogCommand{
		Type: CommandDelete,
		Key:  key,
	})
}

// Keys 返回本地引擎中所有存活的键
func (n *Node) Keys() [][]byte {
	return n.engine.Keys()
}

func (n *Node) apply(cmd *LogCommand) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	timeout := n.config.ApplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// 提交到 Raft
	applyFuture := n.raft.Apply(data, timeout)
	if err := applyFuture.Error(); err != nil {
		return fmt.Errorf("提交应用到 Raft 失败: %w", err)
	}

	// 检查 FSM 返回的结果
	if err, ok := applyFuture.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// ==================== 集群管理 ====================

// AddPeer 添加节点到集群
func (n *Node) AddPeer(id raft.ServerID, address raft.ServerAddress) error {
	return n.raft.AddVoter(id, address, 0, 0).Error()
}

// RemovePeer 从集群移除节点
func (n *Node) RemovePeer(id raft.ServerID) error {
	return n.raft.RemoveServer(id, 0, 0).Error()
}

// Leader 获取当前 Leader 节点地址
func (n *Node) Leader() (raft.ServerAddress, bool) {
	leader, _ := n.raft.LeaderWithID()
	return leader, leader != ""
}

// IsLeader 判断当前节点是否为 Leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// WaitLeader 等待集群选出 Leader
func (n *Node) WaitLeader(timeout time.Duration) (raft.ServerAddress, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if leader, ok := n.Leader(); ok {
			return leader, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNoLeader
		}
		<-ticker.C
	}
}

// Peers 获取集群中的所有节点
func (n *Node) Peers() []raft.ServerID {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}

	var peers []raft.ServerID
	for _, server := range future.Configuration().Servers {
		peers = append(peers, server.ID)
	}
	return peers
}

// Address 返回本节点的传输地址
func (n *Node) Address() raft.ServerAddress {
	return n.transport.LocalAddr()
}

// ==================== 快照与关闭 ====================

// Snapshot 创建快照，用于压缩 Raft 日志
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// Close 关闭 Raft 节点和底层存储引擎
func (n *Node) Close() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("关闭 Raft 失败: %w", err)
	}
	n.closeTransport()

	if err := n.engine.Close(); err != nil {
		return fmt.Errorf("关闭存储引擎失败: %w", err)
	}
	return nil
}

func (n *Node) closeTransport() {
	if n.inmem != nil {
		_ = n.inmem.Close()
	}
}

// 确保 Node 实现了 storage.Engine 接口
var _ storage.Engine = (*Node)(nil)
