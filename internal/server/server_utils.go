package server

import (
	"errors"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
)

var (
	errUnexpectedPacket = errors.New("unexpected packet")
	errRejected         = errors.New("connection rejected")
)

func handlePingReq(conn *connection.Connection) {
	if err := conn.Send(packet.NewPingRespPacket()); err != nil {
		logger.WarnF("[%s] Fail to send PINGRESP packet, details: %v", conn.ConnID, err)
	}
}

func reject(conn *connection.Connection, code packet.ConnectRespType) error {
	logger.WarnF("[%s] Reject connection: %s", conn.ConnID, code)
	if err := conn.Send(packet.NewConnectAckPacket(false, code)); err != nil {
		return err
	}
	return errRejected
}
