package driver

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

// Connection 协议连接的命令句柄，所有调用都不能阻塞
type Connection interface {
	TryPublish(topic string, qos mqtt.QoS, retain bool, payload []byte) error
	TrySubscribe(filter string, qos mqtt.QoS) error
	TryUnsubscribe(filter string) error
	TryDisconnect() error
}

// EventSource 协议事件源，Poll 返回错误表示连接已不可恢复
type EventSource interface {
	Poll(ctx context.Context) (client.Notification, error)
	Close() error
}

// Connector 根据会话参数创建连接对象，不建立网络连接
type Connector func(options session.Options) (Connection, EventSource, error)

// ClientConnector 使用 client 包创建连接
func ClientConnector(requestCapacity int, connectTimeout time.Duration) Connector {
	return func(options session.Options) (Connection, EventSource, error) {
		clientOptions, err := options.ClientOptions()
		if err != nil {
			return nil, nil, err
		}
		if requestCapacity > 0 {
			clientOptions.RequestCapacity = requestCapacity
		}
		if connectTimeout > 0 {
			clientOptions.ConnectTimeout = connectTimeout
		}
		conn, eventLoop := client.New(clientOptions)
		return conn, eventLoop, nil
	}
}
