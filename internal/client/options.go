// Package client 实现MQTT 3.1.1客户端连接：一个可并发使用的非阻塞命令句柄(Client)
// 和一个按需拉取的事件源(EventLoop)
package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

const (
	DefaultPort            = 1883
	DefaultKeepAlive       = 60 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultRequestCapacity = 100
)

type Credentials struct {
	Username string
	Password string
}

type Options struct {
	ClientID     string
	Host         string
	Port         uint16
	KeepAlive    time.Duration // 0 表示关闭心跳
	CleanSession bool
	Credentials  *Credentials
	Will         *packet.WillMessage

	MaxIncomingPacketSize int // 0 表示不限制
	MaxOutgoingPacketSize int // 0 表示不限制

	ConnectTimeout  time.Duration
	RequestCapacity int

	// Dial 为空时使用 net.Dialer
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewOptions(clientID string, host string, port uint16) Options {
	return Options{
		ClientID:        clientID,
		Host:            host,
		Port:            port,
		KeepAlive:       DefaultKeepAlive,
		CleanSession:    true,
		ConnectTimeout:  DefaultConnectTimeout,
		RequestCapacity: DefaultRequestCapacity,
	}
}

func (o Options) Address() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(int(port)))
}

func (o Options) dial(ctx context.Context) (net.Conn, error) {
	if o.Dial != nil {
		return o.Dial(ctx, "tcp", o.Address())
	}
	dialer := net.Dialer{Timeout: o.connectTimeout()}
	return dialer.DialContext(ctx, "tcp", o.Address())
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.ConnectTimeout
}

func (o Options) requestCapacity() int {
	if o.RequestCapacity <= 0 {
		return DefaultRequestCapacity
	}
	return o.RequestCapacity
}

func (o Options) connectPacket() *packet.Connect {
	connect := &packet.Connect{
		ClientID:     o.ClientID,
		KeepAlive:    uint16(min(o.KeepAlive/time.Second, 65535)),
		CleanSession: o.CleanSession,
		Will:         o.Will,
	}
	if o.Credentials != nil {
		username := o.Credentials.Username
		connect.Username = &username
		connect.Password = []byte(o.Credentials.Password)
	}
	return connect
}

func (o Options) outgoingLimit() int {
	if o.MaxOutgoingPacketSize <= 0 {
		return mqtt.MaxRemainingLength
	}
	return o.MaxOutgoingPacketSize
}
