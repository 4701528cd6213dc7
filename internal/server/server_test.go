package server

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

func startServer(t *testing.T, options Options) (*Server, string) {
	t.Helper()
	s := New(options)
	addr, err := s.ListenAndServe("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, addr.String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn net.Conn, p packet.Packet) {
	t.Helper()
	if err := mqtt.WriteFull(conn, p.Encode()); err != nil {
		t.Fatalf("write %s: %v", p.Type(), err)
	}
}

func read(t *testing.T, conn net.Conn) packet.Packet {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := mqtt.ReadPacket(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := packet.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return decoded
}

func connect(t *testing.T, addr string, clientID string) net.Conn {
	t.Helper()
	conn := dial(t, addr)
	write(t, conn, &packet.Connect{ClientID: clientID, KeepAlive: 30, CleanSession: true})
	connAck, ok := read(t, conn).(*packet.ConnAck)
	if !ok || connAck.ReturnCode != packet.Accepted {
		t.Fatalf("expected accepted CONNACK, got %+v", connAck)
	}
	return conn
}

func subscribe(t *testing.T, conn net.Conn, filter string) {
	t.Helper()
	write(t, conn, &packet.Subscribe{PacketID: 1, Filters: []packet.Filter{{Topic: filter, QoS: mqtt.AtLeastOnce}}})
	subAck, ok := read(t, conn).(*packet.SubAck)
	if !ok {
		t.Fatalf("expected SUBACK")
	}
	if diff := cmp.Diff([]packet.SubscribeState{packet.SuccessQos0}, subAck.ReturnCodes); diff != "" {
		t.Fatalf("suback mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishRouting(t *testing.T) {
	_, addr := startServer(t, Options{})
	subscriber := connect(t, addr, "sub")
	publisher := connect(t, addr, "pub")
	subscribe(t, subscriber, "sensors/+/temp")

	write(t, publisher, &packet.Publish{QoS: mqtt.AtLeastOnce, PacketID: 7, Topic: "sensors/a/temp", Payload: []byte("21")})
	if ack, ok := read(t, publisher).(*packet.PubAck); !ok || ack.PacketID != 7 {
		t.Fatalf("expected PUBACK 7, got %+v", ack)
	}

	got, ok := read(t, subscriber).(*packet.Publish)
	if !ok {
		t.Fatal("expected PUBLISH")
	}
	want := &packet.Publish{QoS: mqtt.AtMostOnce, Topic: "sensors/a/temp", Payload: []byte("21")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routed publish mismatch (-want +got):\n%s", diff)
	}
}

func TestExactlyOnceHandshake(t *testing.T) {
	_, addr := startServer(t, Options{})
	conn := connect(t, addr, "qos2")
	write(t, conn, &packet.Publish{QoS: mqtt.ExactlyOnce, PacketID: 3, Topic: "a", Payload: []byte("x")})
	if rec, ok := read(t, conn).(*packet.PubRec); !ok || rec.PacketID != 3 {
		t.Fatalf("expected PUBREC 3, got %+v", rec)
	}
	write(t, conn, &packet.PubRel{PacketID: 3})
	if comp, ok := read(t, conn).(*packet.PubComp); !ok || comp.PacketID != 3 {
		t.Fatalf("expected PUBCOMP 3, got %+v", comp)
	}
}

func TestRetainedDeliveredOnSubscribe(t *testing.T) {
	_, addr := startServer(t, Options{})
	publisher := connect(t, addr, "pub")
	write(t, publisher, &packet.Publish{Retain: true, Topic: "status/dev-1", Payload: []byte("online")})
	write(t, publisher, &packet.PingReq{})
	if _, ok := read(t, publisher).(*packet.PingResp); !ok {
		t.Fatal("expected PINGRESP")
	}

	subscriber := connect(t, addr, "sub")
	subscribe(t, subscriber, "status/#")
	got, ok := read(t, subscriber).(*packet.Publish)
	if !ok || !got.Retain || string(got.Payload) != "online" {
		t.Fatalf("expected retained publish, got %+v", got)
	}
}

func TestUnsubscribeStopsRouting(t *testing.T) {
	s, addr := startServer(t, Options{})
	conn := connect(t, addr, "dev-1")
	subscribe(t, conn, "a/b")
	if s.Subscriptions() != 1 {
		t.Fatalf("expected 1 subscription, got %d", s.Subscriptions())
	}
	write(t, conn, &packet.Unsubscribe{PacketID: 2, Filters: []string{"a/b"}})
	if ack, ok := read(t, conn).(*packet.UnsubAck); !ok || ack.PacketID != 2 {
		t.Fatalf("expected UNSUBACK 2, got %+v", ack)
	}
	if s.Subscriptions() != 0 {
		t.Errorf("expected no subscriptions, got %d", s.Subscriptions())
	}
}

func TestRejectedConnections(t *testing.T) {
	_, addr := startServer(t, Options{
		Authenticate: func(clientID string, username *string, password []byte) bool {
			return username != nil && *username == "admin" && string(password) == "secret"
		},
	})

	tests := []struct {
		name    string
		connect *packet.Connect
		code    packet.ConnectRespType
	}{
		{"empty id without clean session", &packet.Connect{CleanSession: false}, packet.IdentifierRejected},
		{"missing credentials", &packet.Connect{ClientID: "dev-1", CleanSession: true}, packet.NotAuthorized},
	}
	for _, tt := range tests {
		conn := dial(t, addr)
		write(t, conn, tt.connect)
		connAck, ok := read(t, conn).(*packet.ConnAck)
		if !ok || connAck.ReturnCode != tt.code {
			t.Errorf("%s: expected %s, got %+v", tt.name, tt.code, connAck)
		}
	}

	username := "admin"
	conn := dial(t, addr)
	write(t, conn, &packet.Connect{ClientID: "dev-1", CleanSession: true, Username: &username, Password: []byte("secret")})
	if connAck, ok := read(t, conn).(*packet.ConnAck); !ok || connAck.ReturnCode != packet.Accepted {
		t.Errorf("expected accepted, got %+v", connAck)
	}
}

func TestKick(t *testing.T) {
	s, addr := startServer(t, Options{})
	conn := connect(t, addr, "dev-1")
	if diff := cmp.Diff([]string{"dev-1"}, s.Clients()); diff != "" {
		t.Fatalf("clients mismatch (-want +got):\n%s", diff)
	}
	if !s.Kick("dev-1") {
		t.Fatal("expected kick to find client")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := mqtt.ReadPacket(conn); err == nil {
		t.Fatal("expected connection to be closed")
	}
	if s.Kick("missing") {
		t.Error("kick of unknown client must report false")
	}
}

func TestTakeover(t *testing.T) {
	_, addr := startServer(t, Options{})
	first := connect(t, addr, "dev-1")
	connect(t, addr, "dev-1")
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := mqtt.ReadPacket(first); err == nil {
		t.Fatal("expected first connection to be closed by takeover")
	}
}

func TestCloseStopsServer(t *testing.T) {
	s := New(Options{})
	addr, err := s.ListenAndServe("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn := connect(t, addr.String(), "dev-1")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := mqtt.ReadPacket(conn); err == nil {
		t.Fatal("expected connection closed after server close")
	}
	if _, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond); err == nil {
		t.Error("expected listener to be closed")
	}
}
