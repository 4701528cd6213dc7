// Package packet 实现了MQTT 3.1.1 控制报文的编码与解码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

// Packet 是所有控制报文的公共接口
type Packet interface {
	Type() mqtt.PacketType
	Encode() []byte
}

// Identified 是携带报文标识符的控制报文
type Identified interface {
	Packet
	ID() uint16
}

var ErrMalformedPacket = errors.New("malformed packet")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, errors.New("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.New("invalid reading length, except > 0")
	}
	if length == 1 {
		bytes, err := readPacketByte(payload)
		return []byte{bytes}, err
	}
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte >= contextLen {
		return nil, errors.New("invalid packet context length")
	}
	end := startByte + length
	if end > contextLen {
		return nil, errors.New("invalid packet context length")
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

// readRest 读取剩余的全部字节，可以为空
func readRest(payload *mqtt.Payload) []byte {
	data := payload.Context[payload.CurrentPtr:payload.ContextLen]
	payload.CurrentPtr = payload.ContextLen
	return data
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func readPacketString(payload *mqtt.Payload) (string, error) {
	field, err := readPacketPayload(payload)
	if err != nil {
		return "", err
	}
	return string(field.Payload), nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, fmt.Errorf("error occured when reading packet ID, details: %v", err)
	}
	return mqtt.ByteToUInt16(data), nil
}

func appendField(buf []byte, field []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(field)))...)
	return append(buf, field...)
}

func appendString(buf []byte, s string) []byte {
	return appendField(buf, []byte(s))
}

// ackPacket 只包含报文标识符的确认报文
func encodeAck(packetType mqtt.PacketType, flags byte, id uint16) []byte {
	return mqtt.EncodePacket(packetType, flags, mqtt.UInt16ToByte(id))
}

func decodeAckID(packet *mqtt.Packet) (uint16, error) {
	if packet.Header.RemainingLength != 2 {
		return 0, fmt.Errorf("%w: %s remaining length must be 2, got %d", ErrMalformedPacket, packet.Header.Type, packet.Header.RemainingLength)
	}
	return readPacketID(packet.Payload)
}

// Decode 将原始报文解析为具体类型
func Decode(packet *mqtt.Packet) (Packet, error) {
	switch packet.Header.Type {
	case mqtt.CONNECT:
		return ParseConnectPacket(packet)
	case mqtt.CONNACK:
		return ParseConnAckPacket(packet)
	case mqtt.PUBLISH:
		return ParsePublishPacket(packet)
	case mqtt.PUBACK:
		id, err := decodeAckID(packet)
		return &PubAck{PacketID: id}, err
	case mqtt.PUBREC:
		id, err := decodeAckID(packet)
		return &PubRec{PacketID: id}, err
	case mqtt.PUBREL:
		id, err := decodeAckID(packet)
		return &PubRel{PacketID: id}, err
	case mqtt.PUBCOMP:
		id, err := decodeAckID(packet)
		return &PubComp{PacketID: id}, err
	case mqtt.SUBSCRIBE:
		return ParseSubscribePacket(packet)
	case mqtt.SUBACK:
		return ParseSubAckPacket(packet)
	case mqtt.UNSUBSCRIBE:
		return ParseUnSubscribePacket(packet)
	case mqtt.UNSUBACK:
		id, err := decodeAckID(packet)
		return &UnsubAck{PacketID: id}, err
	case mqtt.PINGREQ:
		return &PingReq{}, nil
	case mqtt.PINGRESP:
		return &PingResp{}, nil
	case mqtt.DISCONNECT:
		return &Disconnect{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported packet type %s", ErrMalformedPacket, packet.Header.Type)
}
