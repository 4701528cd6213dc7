package client

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

type Direction byte

const (
	Incoming Direction = iota + 1
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "Incoming"
	case Outgoing:
		return "Outgoing"
	}
	return "Unknown"
}

// Notification 事件源产出的一个收发事件
type Notification struct {
	Direction Direction
	Packet    packet.Packet
}

func (n Notification) String() string {
	if n.Packet == nil {
		return n.Direction.String()
	}
	if identified, ok := n.Packet.(packet.Identified); ok && identified.ID() != 0 {
		return fmt.Sprintf("%s(%s #%d)", n.Direction, n.Packet.Type(), identified.ID())
	}
	return fmt.Sprintf("%s(%s)", n.Direction, n.Packet.Type())
}

// ConnAck 若为 CONNACK 则返回之
func (n Notification) ConnAck() (*packet.ConnAck, bool) {
	if n.Direction != Incoming {
		return nil, false
	}
	connAck, ok := n.Packet.(*packet.ConnAck)
	return connAck, ok
}
