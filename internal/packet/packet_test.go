package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

func decodeBytes(t *testing.T, raw []byte) Packet {
	t.Helper()
	rawPacket, err := mqtt.ReadPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	decoded, err := Decode(rawPacket)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded
}

func TestConnectEncodeDecode(t *testing.T) {
	username := "user"
	connect := &Connect{
		ClientID:     "dev-1",
		KeepAlive:    20,
		CleanSession: true,
		Username:     &username,
		Password:     []byte("secret"),
		Will: &WillMessage{
			Topic:   "status/dev-1",
			Payload: []byte("offline"),
			QoS:     mqtt.AtLeastOnce,
			Retain:  true,
		},
	}
	got := decodeBytes(t, connect.Encode())
	if diff := cmp.Diff(connect, got); diff != "" {
		t.Errorf("connect mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectRejectsProtocolLevel(t *testing.T) {
	raw := (&Connect{ClientID: "a"}).Encode()
	// 协议级别位于固定头(2字节) + 协议名(6字节) 之后
	raw[8] = 0x05
	rawPacket, err := mqtt.ReadPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if _, err := ParseConnectPacket(rawPacket); !errors.Is(err, ErrUnacceptableProtocol) {
		t.Fatalf("expected ErrUnacceptableProtocol, got %v", err)
	}
}

func TestConnAck(t *testing.T) {
	got := decodeBytes(t, NewConnectAckPacket(true, NotAuthorized))
	want := &ConnAck{SessionPresent: true, ReturnCode: NotAuthorized}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("connack mismatch (-want +got):\n%s", diff)
	}
	if NotAuthorized.String() != "not authorized" {
		t.Errorf("unexpected return code string %q", NotAuthorized.String())
	}
}

func TestPublish(t *testing.T) {
	tests := []*Publish{
		{Topic: "sensors/1", Payload: []byte("42")},
		{QoS: mqtt.AtLeastOnce, Retain: true, Topic: "sensors/2", PacketID: 7, Payload: []byte("43")},
		{Dup: true, QoS: mqtt.ExactlyOnce, Topic: "a", PacketID: 65535, Payload: []byte{}},
	}
	for _, publish := range tests {
		raw := publish.Encode()
		if len(raw) != publish.Size() {
			t.Errorf("Size()=%d, encoded length=%d", publish.Size(), len(raw))
		}
		got := decodeBytes(t, raw)
		if diff := cmp.Diff(publish, got); diff != "" {
			t.Errorf("publish mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestPublishRejectsDupWithQoS0(t *testing.T) {
	raw := mqtt.EncodePacket(mqtt.PUBLISH, 0x08, []byte{0x00, 0x01, 'a'})
	rawPacket, err := mqtt.ReadPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if _, err := ParsePublishPacket(rawPacket); err == nil {
		t.Fatal("expected error for DUP flag on QoS 0 publish")
	}
}

func TestAcks(t *testing.T) {
	tests := []Identified{
		&PubAck{PacketID: 1},
		&PubRec{PacketID: 2},
		&PubRel{PacketID: 3},
		&PubComp{PacketID: 4},
		&UnsubAck{PacketID: 5},
	}
	for _, ack := range tests {
		got := decodeBytes(t, ack.Encode())
		if diff := cmp.Diff(ack, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", ack.Type(), diff)
		}
	}
}

func TestSubscribe(t *testing.T) {
	subscribe := &Subscribe{
		PacketID: 10,
		Filters: []Filter{
			{Topic: "sensors/#", QoS: mqtt.AtLeastOnce},
			{Topic: "+/status", QoS: mqtt.ExactlyOnce},
		},
	}
	got := decodeBytes(t, subscribe.Encode())
	if diff := cmp.Diff(subscribe, got); diff != "" {
		t.Errorf("subscribe mismatch (-want +got):\n%s", diff)
	}

	got = decodeBytes(t, NewSubAckPacket(10, SuccessQos1, Failure))
	want := &SubAck{PacketID: 10, ReturnCodes: []SubscribeState{SuccessQos1, Failure}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("suback mismatch (-want +got):\n%s", diff)
	}
	if _, ok := Failure.Granted(); ok {
		t.Error("Failure must not report a granted QoS")
	}
}

func TestUnsubscribe(t *testing.T) {
	unsubscribe := &Unsubscribe{PacketID: 3, Filters: []string{"sensors/#", "a/b"}}
	got := decodeBytes(t, unsubscribe.Encode())
	if diff := cmp.Diff(unsubscribe, got); diff != "" {
		t.Errorf("unsubscribe mismatch (-want +got):\n%s", diff)
	}
}

func TestControlPackets(t *testing.T) {
	for _, p := range []Packet{&PingReq{}, &PingResp{}, &Disconnect{}} {
		got := decodeBytes(t, p.Encode())
		if got.Type() != p.Type() {
			t.Errorf("expected %s, got %s", p.Type(), got.Type())
		}
	}
}
