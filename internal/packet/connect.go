package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "connection accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	AuthenticationFailed: "bad user name or password",
	NotAuthorized:        "not authorized",
}

func (c ConnectRespType) String() string {
	if name, ok := connectRespNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown return code %d", byte(c))
}

var ErrUnacceptableProtocol = errors.New("protocol version does not match")

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

func (f ConnectPacketFlag) byte() byte {
	var b byte
	if f.UsernameFlag {
		b |= 0x80
	}
	if f.PasswordFlag {
		b |= 0x40
	}
	if f.RemainFlag {
		b |= 0x20
	}
	b |= (f.QoSLevel & 0x03) << 3
	if f.WillMessageFlag {
		b |= 0x04
	}
	if f.CleanSession {
		b |= 0x02
	}
	return b
}

// WillMessage 遗嘱消息
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     mqtt.QoS
	Retain  bool
}

// Connect CONNECT 控制包
type Connect struct {
	ClientID     string
	KeepAlive    uint16 // 秒
	CleanSession bool
	Username     *string
	Password     []byte
	Will         *WillMessage
}

func (c *Connect) Type() mqtt.PacketType { return mqtt.CONNECT }

func (c *Connect) flags() ConnectPacketFlag {
	flag := ConnectPacketFlag{
		UsernameFlag: c.Username != nil,
		PasswordFlag: c.Password != nil,
		CleanSession: c.CleanSession,
	}
	if c.Will != nil {
		flag.WillMessageFlag = true
		flag.QoSLevel = byte(c.Will.QoS)
		flag.RemainFlag = c.Will.Retain
	}
	return flag
}

func (c *Connect) Encode() []byte {
	body := make([]byte, 0, 32+len(c.ClientID))
	body = appendString(body, mqtt.ProtocolName)
	body = append(body, mqtt.ProtocolLevel, c.flags().byte())
	body = append(body, mqtt.UInt16ToByte(c.KeepAlive)...)
	body = appendString(body, c.ClientID)
	if c.Will != nil {
		body = appendString(body, c.Will.Topic)
		body = appendField(body, c.Will.Payload)
	}
	if c.Username != nil {
		body = appendString(body, *c.Username)
	}
	if c.Password != nil {
		body = appendField(body, c.Password)
	}
	return mqtt.EncodePacket(mqtt.CONNECT, 0, body)
}

// ParseConnectPacket 解析 CONNECT 控制包的可变头和负载
func ParseConnectPacket(packet *mqtt.Packet) (*Connect, error) {
	payload := packet.Payload
	result := &Connect{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return result, errors.New("unable to check protocol string")
	}
	if string(protocolString.Payload) != mqtt.ProtocolName {
		return result, fmt.Errorf("incorrect Protocol String: %s", string(protocolString.Payload))
	}

	// 协议版本
	if !payload.CheckRemainingLength() {
		return result, errors.New("insufficient bytes for protocol version")
	}
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return result, fmt.Errorf("unable to read protocol version, details: %v", err)
	}
	if protocolVersion != mqtt.ProtocolLevel {
		return result, ErrUnacceptableProtocol
	}

	// 连接标志位
	if !payload.CheckRemainingLength() {
		return result, errors.New("insufficient bytes for connect flags")
	}
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return result, fmt.Errorf("unable to read connect flag, details: %v", err)
	}
	if connectFlag&0x01 != 0 {
		return result, errors.New("reserved connect flag must be 0")
	}

	// 解析标志位
	flag := ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}
	result.CleanSession = flag.CleanSession

	if !flag.WillMessageFlag && (flag.RemainFlag || flag.QoSLevel != 0) {
		return result, errors.New("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}

	// Keep Alive Time
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return result, errors.New("unable to read keep alive time")
	}
	result.KeepAlive = mqtt.ByteToUInt16(data)

	// Client ID
	clientID, err := readPacketString(payload)
	if err != nil {
		return result, fmt.Errorf("client ID: %w", err)
	}
	result.ClientID = clientID

	// Will Message
	if flag.WillMessageFlag {
		willTopic, err := readPacketString(payload)
		if err != nil {
			return result, fmt.Errorf("will topic: %w", err)
		}
		willContent, err := readPacketPayload(payload)
		if err != nil {
			return result, fmt.Errorf("will content: %w", err)
		}
		result.Will = &WillMessage{
			Topic:   willTopic,
			Payload: willContent.Payload,
			QoS:     mqtt.QoS(flag.QoSLevel),
			Retain:  flag.RemainFlag,
		}
	}

	// Username
	if flag.UsernameFlag {
		username, err := readPacketString(payload)
		if err != nil {
			return result, fmt.Errorf("username: %w", err)
		}
		result.Username = &username
	}

	// Password
	if flag.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return result, fmt.Errorf("password: %w", err)
		}
		result.Password = password.Payload
	}

	return result, nil
}

// ConnAck CONNACK 控制包
type ConnAck struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

func (c *ConnAck) Type() mqtt.PacketType { return mqtt.CONNACK }

func (c *ConnAck) Encode() []byte {
	return NewConnectAckPacket(c.SessionPresent, c.ReturnCode)
}

func NewConnectAckPacket(sessionStatus bool, returnCode ConnectRespType) []byte {
	if sessionStatus {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

func ParseConnAckPacket(packet *mqtt.Packet) (*ConnAck, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, fmt.Errorf("%w: CONNACK remaining length must be 2, got %d", ErrMalformedPacket, packet.Header.RemainingLength)
	}
	data, err := readPacketBytes(packet.Payload, 2)
	if err != nil {
		return nil, err
	}
	return &ConnAck{
		SessionPresent: data[0]&0x01 == 1,
		ReturnCode:     ConnectRespType(data[1]),
	}, nil
}
