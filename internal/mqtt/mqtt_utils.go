package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrRemainingLengthOverflow = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge          = errors.New("packet exceeds the maximum allowed size")
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket 读取一个完整的控制报文，不限制报文大小
func ReadPacket(r io.Reader) (*Packet, error) {
	return ReadPacketLimit(r, 0)
}

// ReadPacketLimit 读取一个完整的控制报文，limit > 0 时剩余长度超过 limit 返回 ErrPacketTooLarge
func ReadPacketLimit(r io.Reader, limit int) (*Packet, error) {
	// 读取固定头
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && remaining > limit {
		return nil, fmt.Errorf("%w: remaining length %d, limit %d", ErrPacketTooLarge, remaining, limit)
	}

	// 读取可变头+有效载荷
	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}

	if _, ok := PacketTypeMap[header.Type]; !ok {
		return nil, fmt.Errorf("unknown packet type %d", byte(header.Type))
	}

	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("flags %d of %s packet is not valid", header.Flags, header.Type.String())
	}

	return &Packet{
		Header:  header,
		Payload: NewPayload(payload),
	}, nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLengthOverflow
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0x00}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// EncodePacket 拼接固定头和可变头+有效载荷
func EncodePacket(packetType PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, byte(packetType)<<4|flags&0x0F)
	packet = append(packet, EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}

// WriteFull 循环写入直到全部数据写完
func WriteFull(w io.Writer, data []byte) error {
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed := allowedFlags[pt]
	// 检查标志位是否在允许范围内
	if pt == PUBREL || pt == SUBSCRIBE || pt == UNSUBSCRIBE {
		return flags == allowed
	}
	return (flags & ^allowed) == 0
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining 返回尚未读取的字节数
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
