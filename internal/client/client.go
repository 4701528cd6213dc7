package client

import (
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

// Client 连接的命令句柄，所有方法均为非阻塞，可被多个 goroutine 共享
type Client struct {
	requests chan<- packet.Packet
	closed   <-chan struct{}
	limit    int
}

// New 创建命令句柄和事件源，连接在第一次 Poll 时建立
func New(options Options) (*Client, *EventLoop) {
	requests := make(chan packet.Packet, options.requestCapacity())
	closed := make(chan struct{})
	client := &Client{
		requests: requests,
		closed:   closed,
		limit:    options.outgoingLimit(),
	}
	eventLoop := &EventLoop{
		options:   options,
		requests:  requests,
		closed:    closed,
		closeOnce: &sync.Once{},
		ids:       NewPacketIDManager(),
	}
	return client, eventLoop
}

func (c *Client) try(p packet.Packet) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.requests <- p:
		return nil
	default:
		return ErrRequestsFull
	}
}

func (c *Client) TryPublish(topicName string, qos mqtt.QoS, retain bool, payload []byte) error {
	if err := topic.ValidateName(topicName); err != nil {
		return err
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	publish := &packet.Publish{
		QoS:     qos,
		Retain:  retain,
		Topic:   topicName,
		Payload: append([]byte(nil), payload...),
	}
	if size := publish.Size(); size > c.limit {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, c.limit)
	}
	return c.try(publish)
}

func (c *Client) TrySubscribe(filter string, qos mqtt.QoS) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return c.try(&packet.Subscribe{Filters: []packet.Filter{{Topic: filter, QoS: qos}}})
}

func (c *Client) TryUnsubscribe(filter string) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	return c.try(&packet.Unsubscribe{Filters: []string{filter}})
}

func (c *Client) TryDisconnect() error {
	return c.try(&packet.Disconnect{})
}
