package session

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
)

// Event 会话产生的通知（协议流量或生命周期）
type Event interface {
	Name() string
	isEvent()
}

// Packet 原样转发的协议事件
type Packet struct {
	client.Notification
}

// PublishResult 对应一次 Publish 命令的提交结果
type PublishResult struct {
	Token string
	Err   error
}

// CommandFailed 订阅/取消订阅命令在本地被拒绝
type CommandFailed struct {
	Command Command
	Err     error
}

// Disconnected 会话的终止通知，每个会话恰好一次
type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

// CreateFailed 创建请求被拒绝，不对应任何存活的 Driver
type CreateFailed struct {
	Err error
}

type DisconnectReason int

const (
	ReasonRequested      DisconnectReason = iota + 1 // 使用方发送 Disconnect 或丢弃句柄
	ReasonConnectionLost                             // 事件源报错终止
	ReasonShutdown                                   // 编排器停止
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

func (Packet) Name() string        { return "packet" }
func (PublishResult) Name() string { return "publish-result" }
func (CommandFailed) Name() string { return "command-failed" }
func (Disconnected) Name() string  { return "disconnected" }
func (CreateFailed) Name() string  { return "create-failed" }

func (Packet) isEvent()        {}
func (PublishResult) isEvent() {}
func (CommandFailed) isEvent() {}
func (Disconnected) isEvent()  {}
func (CreateFailed) isEvent()  {}

func (p PublishResult) OK() bool { return p.Err == nil }

func (d Disconnected) String() string {
	if d.Err != nil {
		return fmt.Sprintf("disconnected(%s: %v)", d.Reason, d.Err)
	}
	return fmt.Sprintf("disconnected(%s)", d.Reason)
}
