package client_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	. "github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/server"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

func startBroker(t *testing.T, options server.Options) (*server.Server, string, uint16) {
	t.Helper()
	broker := server.New(options)
	addr, err := broker.ListenAndServe("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })
	host, port, _ := net.SplitHostPort(addr.String())
	number, _ := strconv.Atoi(port)
	return broker, host, uint16(number)
}

func poll(t *testing.T, eventLoop *EventLoop) (Notification, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return eventLoop.Poll(ctx)
}

// pollUntil 拉取事件直到 match 返回 true
func pollUntil(t *testing.T, eventLoop *EventLoop, match func(Notification) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		notification, err := poll(t, eventLoop)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if match(notification) {
			return
		}
	}
	t.Fatal("expected notification not observed")
}

func connected(t *testing.T, host string, port uint16, clientID string) (*Client, *EventLoop) {
	t.Helper()
	c, eventLoop := New(NewOptions(clientID, host, port))
	notification, err := poll(t, eventLoop)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	connAck, ok := notification.ConnAck()
	if !ok || connAck.ReturnCode != packet.Accepted {
		t.Fatalf("expected accepted CONNACK, got %v", notification)
	}
	t.Cleanup(func() { _ = eventLoop.Close() })
	return c, eventLoop
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	_, host, port := startBroker(t, server.Options{})
	c, eventLoop := connected(t, host, port, "dev-1")

	if err := c.TrySubscribe("sensors/#", mqtt.AtLeastOnce); err != nil {
		t.Fatalf("TrySubscribe: %v", err)
	}
	pollUntil(t, eventLoop, func(n Notification) bool {
		_, ok := n.Packet.(*packet.SubAck)
		return ok && n.Direction == Incoming
	})

	if err := c.TryPublish("sensors/a", mqtt.AtLeastOnce, false, []byte("21")); err != nil {
		t.Fatalf("TryPublish: %v", err)
	}
	var acked, received bool
	pollUntil(t, eventLoop, func(n Notification) bool {
		switch p := n.Packet.(type) {
		case *packet.PubAck:
			acked = true
		case *packet.Publish:
			if n.Direction == Incoming && string(p.Payload) == "21" {
				received = true
			}
		}
		return acked && received
	})
	if eventLoop.IDsInFlight() != 0 {
		t.Errorf("expected all packet ids released, got %d in flight", eventLoop.IDsInFlight())
	}
}

func TestConnectionRefused(t *testing.T) {
	_, host, port := startBroker(t, server.Options{
		Authenticate: func(string, *string, []byte) bool { return false },
	})
	_, eventLoop := New(NewOptions("dev-1", host, port))

	notification, err := poll(t, eventLoop)
	if err != nil {
		t.Fatalf("expected CONNACK first, got %v", err)
	}
	if connAck, ok := notification.ConnAck(); !ok || connAck.ReturnCode != packet.NotAuthorized {
		t.Fatalf("expected NotAuthorized CONNACK, got %v", notification)
	}

	_, err = poll(t, eventLoop)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != KindRefused || connErr.Code != packet.NotAuthorized {
		t.Fatalf("expected refused error, got %v", err)
	}
	if _, again := poll(t, eventLoop); again != err {
		t.Errorf("terminal error must be sticky, got %v", again)
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	_, eventLoop := New(NewOptions("dev-1", "127.0.0.1", uint16(addr.Port)))
	_, err = poll(t, eventLoop)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != KindIO {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestKickEndsEventLoop(t *testing.T) {
	broker, host, port := startBroker(t, server.Options{})
	_, eventLoop := connected(t, host, port, "dev-1")
	if !broker.Kick("dev-1") {
		t.Fatal("client not registered on broker")
	}

	_, err := poll(t, eventLoop)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if IsRequested(err) {
		t.Errorf("kick must not look like a requested disconnect")
	}
}

func TestCloseFlushesQueuedRequests(t *testing.T) {
	_, host, port := startBroker(t, server.Options{})
	c, eventLoop := connected(t, host, port, "publisher")

	if err := c.TryPublish("status/dev-1", mqtt.AtMostOnce, true, []byte("online")); err != nil {
		t.Fatal(err)
	}
	if err := eventLoop.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.TryPublish("status/dev-1", mqtt.AtMostOnce, false, nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed after Close, got %v", err)
	}
	if _, err := poll(t, eventLoop); !IsRequested(err) {
		t.Errorf("expected requested disconnect, got %v", err)
	}

	subscriber, subscriberLoop := connected(t, host, port, "subscriber")
	if err := subscriber.TrySubscribe("status/+", mqtt.AtMostOnce); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, subscriberLoop, func(n Notification) bool {
		p, ok := n.Packet.(*packet.Publish)
		return ok && p.Retain && string(p.Payload) == "online"
	})
}

func TestDisconnectRequest(t *testing.T) {
	_, host, port := startBroker(t, server.Options{})
	c, eventLoop := connected(t, host, port, "dev-1")
	if err := c.TryDisconnect(); err != nil {
		t.Fatal(err)
	}
	notification, err := poll(t, eventLoop)
	if err != nil {
		t.Fatalf("expected outgoing DISCONNECT, got %v", err)
	}
	if _, ok := notification.Packet.(*packet.Disconnect); !ok || notification.Direction != Outgoing {
		t.Fatalf("expected outgoing DISCONNECT, got %v", notification)
	}
	if _, err := poll(t, eventLoop); !IsRequested(err) {
		t.Errorf("expected requested disconnect error, got %v", err)
	}
}

func TestKeepAlivePing(t *testing.T) {
	_, host, port := startBroker(t, server.Options{})
	options := NewOptions("dev-1", host, port)
	options.KeepAlive = time.Second
	_, eventLoop := New(options)
	t.Cleanup(func() { _ = eventLoop.Close() })

	if _, err := poll(t, eventLoop); err != nil {
		t.Fatal(err)
	}
	var pinged bool
	pollUntil(t, eventLoop, func(n Notification) bool {
		switch n.Packet.(type) {
		case *packet.PingReq:
			pinged = true
		case *packet.PingResp:
			return pinged
		}
		return false
	})
}

func TestPollContextCancel(t *testing.T) {
	_, host, port := startBroker(t, server.Options{})
	c, eventLoop := connected(t, host, port, "dev-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eventLoop.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if err := c.TrySubscribe("a", mqtt.AtMostOnce); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, eventLoop, func(n Notification) bool {
		_, ok := n.Packet.(*packet.SubAck)
		return ok
	})
}

func TestTryValidation(t *testing.T) {
	options := NewOptions("dev-1", "127.0.0.1", 1883)
	options.RequestCapacity = 1
	options.MaxOutgoingPacketSize = 64
	c, _ := New(options)

	if err := c.TryPublish("a/+", mqtt.AtMostOnce, false, nil); !errors.Is(err, topic.ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if err := c.TryPublish("a", mqtt.QoS(3), false, nil); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("expected ErrInvalidQoS, got %v", err)
	}
	if err := c.TryPublish("a", mqtt.AtMostOnce, false, make([]byte, 128)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("expected ErrPacketTooLarge, got %v", err)
	}
	if err := c.TrySubscribe("a/#/b", mqtt.AtMostOnce); !errors.Is(err, topic.ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if err := c.TryPublish("a", mqtt.AtMostOnce, false, nil); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.TryUnsubscribe("a"); !errors.Is(err, ErrRequestsFull) {
		t.Errorf("expected ErrRequestsFull, got %v", err)
	}
}
