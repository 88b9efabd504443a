package raft

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// CommandType 定义命令类型
type CommandType string

const (
	CommandPut    CommandType = "put"
	CommandDelete CommandType = "delete"
)

// LogCommand 用于在 Raft 集群间序列化和传递的用户指令
// 作为 Raft 日志的 payload
type LogCommand struct {
	// 命令类型：Put 或 Delete
	Type CommandType `codec:"type"`

	// 命令参数
	Key   []byte `codec:"key"`
	Value []byte `codec:"value,omitempty"` // Put 时需要
}

// EncodeCommand 将 LogCommand 编码为 Raft 日志数据
func EncodeCommand(cmd *LogCommand) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(cmd); err != nil {
		return nil, fmt.Errorf("编码命令失败: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand 从 Raft 日志数据解码 LogCommand
func DecodeCommand(data []byte) (*LogCommand, error) {
	var cmd LogCommand
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("解码命令失败: %w", err)
	}
	return &cmd, nil
}
