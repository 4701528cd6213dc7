// Package session 定义会话编排层的数据模型：会话标识、连接参数、命令、事件和中继
package session

import (
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/relay"
)

// ID 调用方分配的会话标识，同一时刻只对应一个存活的 Driver
type ID string

type CommandRelay = relay.Relay[Command]

type EventRelay = relay.Relay[Notification]

func NewCommandRelay(capacity int) *CommandRelay {
	return relay.New[Command](capacity)
}

func NewEventRelay(capacity int, opts ...relay.Option) *EventRelay {
	return relay.New[Notification](capacity, opts...)
}

// Notification 交给使用方的出站消息：Ready 或 Update
type Notification interface {
	SessionID() ID
	isNotification()
}

// Ready Driver 已创建连接对象，Commands 是发送命令的唯一入口
type Ready struct {
	ID       ID
	Commands *CommandRelay
}

// Update 携带一个会话事件
type Update struct {
	ID    ID
	Event Event
}

func (r Ready) SessionID() ID  { return r.ID }
func (u Update) SessionID() ID { return u.ID }

func (Ready) isNotification()  {}
func (Update) isNotification() {}

// IsLifecycle 生命周期通知不会因出站队列满而被丢弃
func IsLifecycle(n Notification) bool {
	switch n := n.(type) {
	case Ready:
		return true
	case Update:
		switch n.Event.(type) {
		case Disconnected, CreateFailed:
			return true
		}
	}
	return false
}

// IsTerminal 判断是否为会话终止通知
func IsTerminal(n Notification) bool {
	update, ok := n.(Update)
	if !ok {
		return false
	}
	_, ok = update.Event.(Disconnected)
	return ok
}
