package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

const closeWriteTimeout = 2 * time.Second

type readResult struct {
	packet packet.Packet
	err    error
}

// EventLoop 连接的事件源，Poll/Close 只能在同一个 goroutine 中调用
type EventLoop struct {
	options   Options
	requests  <-chan packet.Packet
	closed    chan struct{}
	closeOnce *sync.Once
	ids       *PacketIDManager

	conn    net.Conn
	reads   chan readResult
	stop    chan struct{}
	readers sync.WaitGroup

	keepAlive       *time.Timer
	pingOutstanding bool

	pending []Notification
	err     error
}

// Poll 返回下一个事件；返回错误后连接已终止，之后的调用返回同一个错误。
// ctx 结束时返回 ctx.Err()，连接保持不变，可以继续 Poll。
func (e *EventLoop) Poll(ctx context.Context) (Notification, error) {
	if len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		return next, nil
	}
	if e.err != nil {
		return Notification{}, e.err
	}
	if e.conn == nil {
		connAck, err := e.connect(ctx)
		if err != nil {
			return Notification{}, e.fail(err)
		}
		return Notification{Direction: Incoming, Packet: connAck}, nil
	}

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case result := <-e.reads:
		if result.err != nil {
			return Notification{}, e.fail(classifyReadError(result.err))
		}
		return e.handleIncoming(result.packet)
	case request := <-e.requests:
		return e.handleRequest(request)
	case <-e.keepAliveC():
		return e.handlePing()
	}
}

// Close 按顺序写出已排队的请求并发送 DISCONNECT，然后关闭连接
func (e *EventLoop) Close() error {
	if e.conn == nil || e.err != nil {
		if e.err == nil {
			e.err = &ConnectionError{Kind: KindRequested}
		}
		e.teardown()
		return nil
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	var firstErr error
	for e.err == nil {
		var request packet.Packet
		select {
		case request = <-e.requests:
		default:
			request = &packet.Disconnect{}
		}
		if _, err := e.handleRequest(request); err != nil && !IsRequested(err) && firstErr == nil {
			firstErr = err
		}
	}
	e.pending = nil
	return firstErr
}

func (e *EventLoop) connect(ctx context.Context) (*packet.ConnAck, error) {
	conn, err := e.options.dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Kind: KindIO, Err: err}
	}
	stopAfter := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stopAfter()

	_ = conn.SetDeadline(time.Now().Add(e.options.connectTimeout()))
	if err := mqtt.WriteFull(conn, e.options.connectPacket().Encode()); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Kind: KindIO, Err: err}
	}
	raw, err := mqtt.ReadPacketLimit(conn, e.options.MaxIncomingPacketSize)
	if err != nil {
		_ = conn.Close()
		return nil, classifyReadError(err)
	}
	decoded, err := packet.Decode(raw)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Kind: KindProtocol, Err: err}
	}
	connAck, ok := decoded.(*packet.ConnAck)
	if !ok {
		_ = conn.Close()
		return nil, &ConnectionError{Kind: KindProtocol, Err: fmt.Errorf("expected CONNACK, got %s", decoded.Type())}
	}
	_ = conn.SetDeadline(time.Time{})

	e.conn = conn
	if connAck.ReturnCode != packet.Accepted {
		// 先把 CONNACK 交给调用方，下一次 Poll 返回拒绝错误
		e.err = &ConnectionError{Kind: KindRefused, Code: connAck.ReturnCode}
		e.teardown()
		return connAck, nil
	}

	e.reads = make(chan readResult, 8)
	e.stop = make(chan struct{})
	e.readers.Add(1)
	go e.readLoop(conn, e.reads, e.stop)
	if e.options.KeepAlive > 0 {
		e.keepAlive = time.NewTimer(e.options.KeepAlive)
	}
	return connAck, nil
}

func (e *EventLoop) readLoop(conn net.Conn, reads chan<- readResult, stop <-chan struct{}) {
	defer e.readers.Done()
	for {
		var result readResult
		raw, err := mqtt.ReadPacketLimit(conn, e.options.MaxIncomingPacketSize)
		if err != nil {
			result.err = err
		} else if result.packet, err = packet.Decode(raw); err != nil {
			result.err = &ConnectionError{Kind: KindProtocol, Err: err}
		}
		select {
		case reads <- result:
		case <-stop:
			return
		}
		if result.err != nil {
			return
		}
	}
}

func (e *EventLoop) handleIncoming(p packet.Packet) (Notification, error) {
	incoming := Notification{Direction: Incoming, Packet: p}
	switch p := p.(type) {
	case *packet.Publish:
		switch p.QoS {
		case mqtt.AtLeastOnce:
			if err := e.queueWrite(&packet.PubAck{PacketID: p.PacketID}); err != nil {
				return Notification{}, err
			}
		case mqtt.ExactlyOnce:
			if err := e.queueWrite(&packet.PubRec{PacketID: p.PacketID}); err != nil {
				return Notification{}, err
			}
		}
	case *packet.PubAck:
		e.ids.ReleaseID(p.PacketID)
	case *packet.PubRec:
		if err := e.queueWrite(&packet.PubRel{PacketID: p.PacketID}); err != nil {
			return Notification{}, err
		}
	case *packet.PubRel:
		if err := e.queueWrite(&packet.PubComp{PacketID: p.PacketID}); err != nil {
			return Notification{}, err
		}
	case *packet.PubComp:
		e.ids.ReleaseID(p.PacketID)
	case *packet.SubAck:
		e.ids.ReleaseID(p.PacketID)
	case *packet.UnsubAck:
		e.ids.ReleaseID(p.PacketID)
	case *packet.PingResp:
		e.pingOutstanding = false
	case *packet.Disconnect:
		e.err = &ConnectionError{Kind: KindClosedByPeer, Err: errors.New("server sent DISCONNECT")}
		e.teardown()
	default:
		return Notification{}, e.fail(&ConnectionError{
			Kind: KindProtocol,
			Err:  fmt.Errorf("unexpected %s packet from server", p.Type()),
		})
	}
	return incoming, nil
}

func (e *EventLoop) handleRequest(request packet.Packet) (Notification, error) {
	switch p := request.(type) {
	case *packet.Publish:
		if p.QoS > mqtt.AtMostOnce {
			p.PacketID = e.ids.NextID()
		}
	case *packet.Subscribe:
		p.PacketID = e.ids.NextID()
	case *packet.Unsubscribe:
		p.PacketID = e.ids.NextID()
	}
	if err := e.write(request); err != nil {
		return Notification{}, err
	}
	if _, ok := request.(*packet.Disconnect); ok {
		e.err = &ConnectionError{Kind: KindRequested}
		e.teardown()
	}
	return Notification{Direction: Outgoing, Packet: request}, nil
}

func (e *EventLoop) handlePing() (Notification, error) {
	if e.pingOutstanding {
		return Notification{}, e.fail(&ConnectionError{Kind: KindPingTimeout, Err: errors.New("no PINGRESP within keep alive interval")})
	}
	if err := e.write(&packet.PingReq{}); err != nil {
		return Notification{}, err
	}
	e.pingOutstanding = true
	return Notification{Direction: Outgoing, Packet: &packet.PingReq{}}, nil
}

// queueWrite 写出响应报文，并把对应的 Outgoing 事件排在当前事件之后
func (e *EventLoop) queueWrite(p packet.Packet) error {
	if err := e.write(p); err != nil {
		return err
	}
	e.pending = append(e.pending, Notification{Direction: Outgoing, Packet: p})
	return nil
}

func (e *EventLoop) write(p packet.Packet) error {
	if err := mqtt.WriteFull(e.conn, p.Encode()); err != nil {
		return e.fail(&ConnectionError{Kind: KindIO, Err: err})
	}
	if e.keepAlive != nil {
		e.keepAlive.Reset(e.options.KeepAlive)
	}
	return nil
}

func (e *EventLoop) keepAliveC() <-chan time.Time {
	if e.keepAlive == nil {
		return nil
	}
	return e.keepAlive.C
}

func (e *EventLoop) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	e.teardown()
	return e.err
}

func (e *EventLoop) teardown() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.readers.Wait()
	if e.keepAlive != nil {
		e.keepAlive.Stop()
	}
	e.closeOnce.Do(func() {
		close(e.closed)
	})
}

func classifyReadError(err error) error {
	var connErr *ConnectionError
	switch {
	case errors.As(err, &connErr):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ConnectionError{Kind: KindClosedByPeer, Err: err}
	case errors.Is(err, mqtt.ErrPacketTooLarge), errors.Is(err, mqtt.ErrRemainingLengthOverflow):
		return &ConnectionError{Kind: KindProtocol, Err: err}
	}
	return &ConnectionError{Kind: KindIO, Err: err}
}
