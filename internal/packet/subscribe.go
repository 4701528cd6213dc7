package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// Granted 成功时返回授予的 QoS
func (s SubscribeState) Granted() (mqtt.QoS, bool) {
	if s == Failure {
		return 0, false
	}
	return mqtt.QoS(s), true
}

// Filter 订阅的主题过滤器和请求的 QoS
type Filter struct {
	Topic string
	QoS   mqtt.QoS
}

// Subscribe SUBSCRIBE 控制包
type Subscribe struct {
	PacketID uint16
	Filters  []Filter
}

func (s *Subscribe) Type() mqtt.PacketType { return mqtt.SUBSCRIBE }
func (s *Subscribe) ID() uint16            { return s.PacketID }

func (s *Subscribe) Encode() []byte {
	body := make([]byte, 0, 16)
	body = append(body, mqtt.UInt16ToByte(s.PacketID)...)
	for _, filter := range s.Filters {
		body = appendString(body, filter.Topic)
		body = append(body, byte(filter.QoS))
	}
	return mqtt.EncodePacket(mqtt.SUBSCRIBE, 0x02, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*Subscribe, error) {
	result := &Subscribe{Filters: make([]Filter, 0)}

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
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading qos level, details: %v", err)
		}
		if qos&0xFC != 0 || !mqtt.QoS(qos).Valid() {
			return result, fmt.Errorf("%w: invalid requested qos %d", ErrMalformedPacket, qos)
		}
		result.Filters = append(result.Filters, Filter{Topic: topicFilter, QoS: mqtt.QoS(qos)})
	}

	if len(result.Filters) == 0 {
		return result, errors.New("subscribe packet must contain at least one topic filter")
	}
	return result, nil
}

// SubAck SUBACK 控制包
type SubAck struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func (s *SubAck) Type() mqtt.PacketType { return mqtt.SUBACK }
func (s *SubAck) ID() uint16            { return s.PacketID }

func (s *SubAck) Encode() []byte {
	body := make([]byte, 0, 2+len(s.ReturnCodes))
	body = append(body, mqtt.UInt16ToByte(s.PacketID)...)
	for _, code := range s.ReturnCodes {
		body = append(body, byte(code))
	}
	return mqtt.EncodePacket(mqtt.SUBACK, 0, body)
}

func NewSubAckPacket(packetId uint16, states ...SubscribeState) []byte {
	return (&SubAck{PacketID: packetId, ReturnCodes: states}).Encode()
}

func ParseSubAckPacket(packet *mqtt.Packet) (*SubAck, error) {
	result := &SubAck{}
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return result, err
	}
	result.PacketID = packetID
	for _, code := range readRest(packet.Payload) {
		state := SubscribeState(code)
		if state != Failure && state > SuccessQos2 {
			return result, fmt.Errorf("%w: invalid suback return code %#x", ErrMalformedPacket, code)
		}
		result.ReturnCodes = append(result.ReturnCodes, state)
	}
	if len(result.ReturnCodes) == 0 {
		return result, fmt.Errorf("%w: suback without return codes", ErrMalformedPacket)
	}
	return result, nil
}
