package client

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

var (
	ErrRequestsFull   = errors.New("request queue is full")
	ErrClientClosed   = errors.New("client is closed")
	ErrPacketTooLarge = errors.New("packet exceeds the maximum outgoing size")
	ErrInvalidQoS     = errors.New("invalid qos")
)

// Kind 连接终止的原因分类
type Kind int

const (
	KindIO           Kind = iota // 网络读写失败
	KindRefused                  // CONNACK 返回码非 0
	KindProtocol                 // 对端违反协议
	KindPingTimeout              // 未收到 PINGRESP
	KindRequested                // 本端主动 DISCONNECT
	KindClosedByPeer             // 对端关闭连接
)

var kindNames = map[Kind]string{
	KindIO:           "io",
	KindRefused:      "connection refused",
	KindProtocol:     "protocol violation",
	KindPingTimeout:  "ping timeout",
	KindRequested:    "disconnect requested",
	KindClosedByPeer: "closed by peer",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ConnectionError 事件源的终止错误
type ConnectionError struct {
	Kind Kind
	Code packet.ConnectRespType // 仅 KindRefused 有效
	Err  error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Kind == KindRefused:
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRequested 判断错误是否来自本端主动断开
func IsRequested(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Kind == KindRequested
}
