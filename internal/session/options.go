package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
)

type ProtocolVersion string

const (
	V3 ProtocolVersion = "v3"
	V5 ProtocolVersion = "v5" // 预留，尚未实现
)

var (
	ErrUnimplemented  = errors.New("unimplemented")
	ErrInvalidOptions = errors.New("invalid session options")
)

// Options 带版本的连接参数，交给 Driver 后不再修改
type Options struct {
	Type ProtocolVersion `json:"type" toml:"type" bson:"type"`
	V3   *OptionsV3      `json:"v3,omitempty" toml:"v3,omitempty" bson:"v3,omitempty"`
	V5   *OptionsV5      `json:"v5,omitempty" toml:"v5,omitempty" bson:"v5,omitempty"`
}

type OptionsV3 struct {
	ClientID              string `json:"client_id" toml:"client_id" bson:"client_id"`
	BrokerAddr            string `json:"broker_addr" toml:"broker_addr" bson:"broker_addr"`
	Port                  uint16 `json:"port" toml:"port" bson:"port"`
	KeepAlive             bool   `json:"keep_alive" toml:"keep_alive" bson:"keep_alive"`
	Heartbeat             uint64 `json:"heartbeat" toml:"heartbeat" bson:"heartbeat"` // 秒
	CleanSession          bool   `json:"clean_session" toml:"clean_session" bson:"clean_session"`
	MaxIncomingPacketSize uint32 `json:"max_incoming_packet_size" toml:"max_incoming_packet_size" bson:"max_incoming_packet_size"`
	MaxOutgoingPacketSize uint32 `json:"max_outgoing_packet_size" toml:"max_outgoing_packet_size" bson:"max_outgoing_packet_size"`
	Credentials           bool   `json:"credentials" toml:"credentials" bson:"credentials"`
	Username              string `json:"username" toml:"username" bson:"username"`
	Password              string `json:"password" toml:"password" bson:"password"`
}

type OptionsV5 struct {
	ClientID string `json:"client_id" toml:"client_id" bson:"client_id"`
}

func DefaultOptions() Options {
	return NewV3(OptionsV3{
		ClientID:              "mosquitto",
		BrokerAddr:            "test.mosquitto.org",
		Port:                  1883,
		KeepAlive:             true,
		Heartbeat:             20,
		CleanSession:          false,
		MaxIncomingPacketSize: 65535,
		MaxOutgoingPacketSize: 65535,
	})
}

func NewV3(options OptionsV3) Options {
	return Options{Type: V3, V3: &options}
}

func NewV5(options OptionsV5) Options {
	return Options{Type: V5, V5: &options}
}

func (o Options) ClientID() string {
	switch o.Type {
	case V3:
		if o.V3 != nil {
			return o.V3.ClientID
		}
	case V5:
		if o.V5 != nil {
			return o.V5.ClientID
		}
	}
	return ""
}

// Clone 深拷贝，编排器保存的是请求时的副本
func (o Options) Clone() Options {
	clone := Options{Type: o.Type}
	if o.V3 != nil {
		v3 := *o.V3
		clone.V3 = &v3
	}
	if o.V5 != nil {
		v5 := *o.V5
		clone.V5 = &v5
	}
	return clone
}

func (o Options) Validate() error {
	switch o.Type {
	case V3:
		if o.V3 == nil {
			return fmt.Errorf("%w: missing v3 parameters", ErrInvalidOptions)
		}
		if strings.TrimSpace(o.V3.BrokerAddr) == "" {
			return fmt.Errorf("%w: missing broker address", ErrInvalidOptions)
		}
		if o.V3.KeepAlive && o.V3.Heartbeat == 0 {
			return fmt.Errorf("%w: keep alive enabled with zero heartbeat", ErrInvalidOptions)
		}
		return nil
	case V5:
		return fmt.Errorf("%w: mqtt v5 sessions", ErrUnimplemented)
	}
	return fmt.Errorf("%w: unknown protocol version %q", ErrInvalidOptions, o.Type)
}

// ClientOptions 转换为客户端连接参数
func (o Options) ClientOptions() (client.Options, error) {
	if err := o.Validate(); err != nil {
		return client.Options{}, err
	}
	v3 := o.V3
	options := client.NewOptions(v3.ClientID, v3.BrokerAddr, v3.Port)
	options.CleanSession = v3.CleanSession
	options.KeepAlive = 0
	if v3.KeepAlive {
		options.KeepAlive = time.Duration(v3.Heartbeat) * time.Second
	}
	options.MaxIncomingPacketSize = int(v3.MaxIncomingPacketSize)
	options.MaxOutgoingPacketSize = int(v3.MaxOutgoingPacketSize)
	if v3.Credentials {
		options.Credentials = &client.Credentials{Username: v3.Username, Password: v3.Password}
	}
	return options, nil
}
