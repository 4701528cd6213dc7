package session

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

// Command 使用方对会话连接的操作意图，结果以 Event 异步返回
type Command interface {
	Name() string
	isCommand()
}

type Connect struct{}

type Disconnect struct{}

type Publish struct {
	Token   string // 关联 PublishResult 的令牌
	Topic   string
	QoS     mqtt.QoS
	Retain  bool
	Payload []byte
}

type Subscribe struct {
	Filter string
	QoS    mqtt.QoS
}

type Unsubscribe struct {
	Filter string
}

func (Connect) Name() string     { return "connect" }
func (Disconnect) Name() string  { return "disconnect" }
func (Publish) Name() string     { return "publish" }
func (Subscribe) Name() string   { return "subscribe" }
func (Unsubscribe) Name() string { return "unsubscribe" }

func (Connect) isCommand()     {}
func (Disconnect) isCommand()  {}
func (Publish) isCommand()     {}
func (Subscribe) isCommand()   {}
func (Unsubscribe) isCommand() {}

func (p Publish) String() string {
	return fmt.Sprintf("publish(%s, %s, %d bytes, token=%s)", p.Topic, p.QoS, len(p.Payload), p.Token)
}

func (s Subscribe) String() string {
	return fmt.Sprintf("subscribe(%s, %s)", s.Filter, s.QoS)
}

func (u Unsubscribe) String() string {
	return fmt.Sprintf("unsubscribe(%s)", u.Filter)
}
