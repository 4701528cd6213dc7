package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

// Unsubscribe UNSUBSCRIBE 控制包
type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

func (u *Unsubscribe) Type() mqtt.PacketType { return mqtt.UNSUBSCRIBE }
func (u *Unsubscribe) ID() uint16            { return u.PacketID }

func (u *Unsubscribe) Encode() []byte {
	body := make([]byte, 0, 16)
	body = append(body, mqtt.UInt16ToByte(u.PacketID)...)
	for _, filter := range u.Filters {
		body = appendString(body, filter)
	}
	return mqtt.EncodePacket(mqtt.UNSUBSCRIBE, 0x02, body)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*Unsubscribe, error) {
	result := &Unsubscribe{Filters: make([]string, 0)}

	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return result, err
	}
	result.PacketID = packetID

	for packet.Payload.CurrentPtr != packet.Payload.ContextLen {
		topicFilter, err := readPacketString(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading topic filter, details: %v", err)
		}
		result.Filters = append(result.Filters, topicFilter)
	}

	if len(result.Filters) == 0 {
		return result, errors.New("unsubscribe packet must contain at least one topic filter")
	}
	return result, nil
}

// UnsubAck UNSUBACK 控制包
type UnsubAck struct{ PacketID uint16 }

func (u *UnsubAck) Type() mqtt.PacketType { return mqtt.UNSUBACK }
func (u *UnsubAck) ID() uint16            { return u.PacketID }
func (u *UnsubAck) Encode() []byte        { return encodeAck(mqtt.UNSUBACK, 0, u.PacketID) }
