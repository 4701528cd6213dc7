package packet

import "github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"

type Disconnect struct{}

func (d *Disconnect) Type() mqtt.PacketType { return mqtt.DISCONNECT }
func (d *Disconnect) Encode() []byte        { return []byte{0xE0, 0x00} }
