package raft

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/forever-free1/TideCask/storage"
	"github.com/forever-free1/TideCask/storage/bitcask"
)

// fastConfig 缩短选举和心跳时间，便于测试
func fastConfig() *raft.Config {
	conf := raft.DefaultConfig()
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	return conf
}

func newTestNode(t *testing.T, id string, trans raft.Transport, bootstrap bool, peers []raft.Server) *Node {
	t.Helper()
	dir, err := os.MkdirTemp("", "raft_node_test")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	dataDir := dir + "/data"
	if err := os.Mkdir(dataDir, 0755); err != nil {
		t.Fatalf("创建数据目录失败: %v", err)
	}
	db, err := bitcask.Open(dataDir)
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}

	node, err := NewNode(db, &NodeConfig{
		NodeID:    raft.ServerID(id),
		DataDir:   dir + "/raft",
		Transport: trans,
		Bootstrap: bootstrap,
		Peers:     peers,
		Raft:      fastConfig(),
	})
	if err != nil {
		db.Close()
		t.Fatalf("创建节点失败: %v", err)
	}
	return node
}

func TestNode_SingleNode(t *testing.T) {
	node := newTestNode(t, "node1", nil, true, nil)
	defer node.Close()

	if _, err := node.WaitLeader(5 * time.Second); err != nil {
		t.Fatalf("等待 Leader 失败: %v", err)
	}
	if !node.IsLeader() {
		t.Fatal("单节点集群中本节点应为 Leader")
	}
	if peers := node.Peers(); len(peers) != 1 || peers[0] != "node1" {
		t.Fatalf("Peers = %v", peers)
	}

	if err := node.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	if v, err := node.Get([]byte("k")); err != nil || string(v) != "v" {
		t.Fatalf("Get = %s, %v", v, err)
	}

	// FSM 返回的错误传递给调用方
	if err := node.Put(nil, []byte("v")); !errors.Is(err, storage.ErrEmptyKey) {
		t.Fatalf("期望 ErrEmptyKey, 得到: %v", err)
	}

	if err := node.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete 失败: %v", err)
	}
	if _, err := node.Get([]byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("期望 ErrKeyNotFound, 得到: %v", err)
	}

	if err := node.Snapshot(); err != nil {
		t.Fatalf("快照失败: %v", err)
	}
}

func TestNode_MissingID(t *testing.T) {
	_, err := NewNode(nil, &NodeConfig{DataDir: os.TempDir()})
	if !errors.Is(err, storage.ErrConfiguration) {
		t.Fatalf("期望 ErrConfiguration, 得到: %v", err)
	}
}

func TestNode_Replication(t *testing.T) {
	const n = 3
	addrs := make([]raft.ServerAddress, n)
	transports := make([]*raft.InmemTransport, n)
	for i := range transports {
		addrs[i], transports[i] = raft.NewInmemTransport("")
	}
	for i := range transports {
		for j := range transports {
			if i != j {
				transports[i].Connect(addrs[j], transports[j])
			}
		}
	}

	peers := make([]raft.Server, n)
	for i := range peers {
		peers[i] = raft.Server{ID: raft.ServerID(fmt.Sprintf("node%d", i)), Address: addrs[i]}
	}

	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, string(peers[i].ID), transports[i], true, peers)
	}
	defer func() {
		for _, node := range nodes {
			node.Close()
		}
		for _, trans := range transports {
			trans.Close()
		}
	}()

	if _, err := nodes[0].WaitLeader(5 * time.Second); err != nil {
		t.Fatalf("等待 Leader 失败: %v", err)
	}
	var leader *Node
	deadline := time.Now().Add(5 * time.Second)
	for leader == nil && time.Now().Before(deadline) {
		for _, node := range nodes {
			if node.IsLeader() {
				leader = node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if leader == nil {
		t.Fatal("没有节点成为 Leader")
	}

	for i := 0; i < 10; i++ {
		if err := leader.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put 失败: %v", err)
		}
	}

	// 所有节点最终都应用了日志
	for _, node := range nodes {
		deadline := time.Now().Add(5 * time.Second)
		for {
			v, err := node.Get([]byte("k9"))
			if err == nil && string(v) == "v9" {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("节点 %s 未收到复制的数据: %s, %v", node.Address(), v, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
		if got := len(node.Keys()); got != 10 {
			t.Fatalf("节点 %s Keys 数量 = %d, want 10", node.Address(), got)
		}
	}
}
