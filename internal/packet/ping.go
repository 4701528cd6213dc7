package packet

import "github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"

type PingReq struct{}

func (p *PingReq) Type() mqtt.PacketType { return mqtt.PINGREQ }
func (p *PingReq) Encode() []byte        { return []byte{0xC0, 0x00} }

type PingResp struct{}

func (p *PingResp) Type() mqtt.PacketType { return mqtt.PINGRESP }
func (p *PingResp) Encode() []byte        { return NewPingRespPacket() }

func NewPingRespPacket() []byte {
	return []byte{0xD0, 0x00}
}
