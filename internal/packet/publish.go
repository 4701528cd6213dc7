package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       byte
	Retain    bool
}

// Publish PUBLISH 控制包
type Publish struct {
	Dup      bool
	QoS      mqtt.QoS
	Retain   bool
	Topic    string
	PacketID uint16 // 仅 QoS > 0 时有效
	Payload  []byte
}

func (p *Publish) Type() mqtt.PacketType { return mqtt.PUBLISH }

func (p *Publish) ID() uint16 { return p.PacketID }

func (p *Publish) flags() byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS&0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *Publish) Encode() []byte {
	body := make([]byte, 0, len(p.Topic)+len(p.Payload)+4)
	body = appendString(body, p.Topic)
	if p.QoS > mqtt.AtMostOnce {
		body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	}
	body = append(body, p.Payload...)
	return mqtt.EncodePacket(mqtt.PUBLISH, p.flags(), body)
}

// Size 返回编码后的报文长度
func (p *Publish) Size() int {
	remaining := 2 + len(p.Topic) + len(p.Payload)
	if p.QoS > mqtt.AtMostOnce {
		remaining += 2
	}
	return 1 + len(mqtt.EncodeRemainingLength(remaining)) + remaining
}

func ParsePublishPacket(packet *mqtt.Packet) (*Publish, error) {
	flag := PublishPacketFlag{
		RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
		QoS:       (packet.Header.Flags & 0x06) >> 1,
		Retain:    packet.Header.Flags&0x01 == 1,
	}
	result := &Publish{
		Dup:    flag.RetryFlag,
		QoS:    mqtt.QoS(flag.QoS),
		Retain: flag.Retain,
	}

	if flag.QoS == 0 && flag.RetryFlag {
		return result, fmt.Errorf("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	if flag.QoS == 3 {
		return result, fmt.Errorf("the QoS Level must not set to 3")
	}

	topicName, err := readPacketString(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading topic name, details: %v", err)
	}
	result.Topic = topicName

	if flag.QoS > 0 {
		packetID, err := readPacketID(packet.Payload)
		if err != nil {
			return result, err
		}
		result.PacketID = packetID
	}

	result.Payload = readRest(packet.Payload)
	return result, nil
}

// PubAck QoS 1 发布确认
type PubAck struct{ PacketID uint16 }

func (p *PubAck) Type() mqtt.PacketType { return mqtt.PUBACK }
func (p *PubAck) ID() uint16            { return p.PacketID }
func (p *PubAck) Encode() []byte        { return encodeAck(mqtt.PUBACK, 0, p.PacketID) }

// PubRec QoS 2 发布收到
type PubRec struct{ PacketID uint16 }

func (p *PubRec) Type() mqtt.PacketType { return mqtt.PUBREC }
func (p *PubRec) ID() uint16            { return p.PacketID }
func (p *PubRec) Encode() []byte        { return encodeAck(mqtt.PUBREC, 0, p.PacketID) }

// PubRel QoS 2 发布释放
type PubRel struct{ PacketID uint16 }

func (p *PubRel) Type() mqtt.PacketType { return mqtt.PUBREL }
func (p *PubRel) ID() uint16            { return p.PacketID }
func (p *PubRel) Encode() []byte        { return encodeAck(mqtt.PUBREL, 0x02, p.PacketID) }

// PubComp QoS 2 发布完成
type PubComp struct{ PacketID uint16 }

func (p *PubComp) Type() mqtt.PacketType { return mqtt.PUBCOMP }
func (p *PubComp) ID() uint16            { return p.PacketID }
func (p *PubComp) Encode() []byte        { return encodeAck(mqtt.PUBCOMP, 0, p.PacketID) }
