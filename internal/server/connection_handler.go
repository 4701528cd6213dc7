package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	clientID  string
	keepAlive time.Duration
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.Conn.SetReadDeadline(time.Now().Add(time.Minute))
	raw, err := mqtt.ReadPacket(c.conn.Conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.conn.ConnID, err)
		return err
	}

	if raw.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.conn.ConnID, mqtt.CONNECT, raw.Header.Type)
		return fmt.Errorf("%w: %s", errUnexpectedPacket, raw.Header.Type)
	}

	connect, err := packet.ParseConnectPacket(raw)
	if errors.Is(err, packet.ErrUnacceptableProtocol) {
		return reject(c.conn, packet.UnacceptableProtocol)
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.conn.ConnID, err)
		return err
	}

	clientID := connect.ClientID
	if clientID == "" {
		if !connect.CleanSession {
			return reject(c.conn, packet.IdentifierRejected)
		}
		clientID = assignClientID()
	}
	if !c.server.authenticate(connect) {
		return reject(c.conn, packet.NotAuthorized)
	}

	if previous, replaced := c.server.connections.AddConnection(clientID, c.conn); replaced {
		logger.InfoF("[%s] Client %s taken over by new connection", previous.ConnID, clientID)
		_ = previous.Close()
	}
	c.clientID = clientID

	if err := c.conn.Send(packet.NewConnectAckPacket(false, packet.Accepted)); err != nil {
		return err
	}

	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.conn.ConnID)
	}
	_ = c.conn.Conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *ConnectionHandler) handlePacket() {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		}

		raw, err := mqtt.ReadPacket(c.conn.Conn)
		if err != nil {
			connection.HandleReadError(c.conn.ConnID, err)
			return
		}

		logger.DebugF("[%s] Receive %s package", c.conn.ConnID, raw.Header.Type)

		switch raw.Header.Type {
		case mqtt.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.conn.ConnID)
			return
		case mqtt.PUBLISH:
			publish, err := packet.ParsePublishPacket(raw)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle publish packet, details: %v", c.conn.ConnID, err)
				return
			}
			if err := c.handlePublish(publish); err != nil {
				logger.ErrorF("[%s] Fail to handle publish packet, details: %v", c.conn.ConnID, err)
				return
			}
		case mqtt.PUBREL:
			id, err := decodeID(raw)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle pubrel packet, details: %v", c.conn.ConnID, err)
				return
			}
			if err := c.conn.Send((&packet.PubComp{PacketID: id}).Encode()); err != nil {
				return
			}
		case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBCOMP:
			// 出站只使用 QoS 0，这些确认没有需要推进的状态
		case mqtt.SUBSCRIBE:
			subscribe, err := packet.ParseSubscribePacket(raw)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle subscribe packet, details: %v", c.conn.ConnID, err)
				return
			}
			if err := c.handleSubscribe(subscribe); err != nil {
				logger.ErrorF("[%s] Fail to send subscribe ack packet, details: %v", c.conn.ConnID, err)
				return
			}
		case mqtt.UNSUBSCRIBE:
			unsubscribe, err := packet.ParseUnSubscribePacket(raw)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle unsubscribe packet, details: %v", c.conn.ConnID, err)
				return
			}
			for _, filter := range unsubscribe.Filters {
				c.server.subscriptions.Delete(topic.Subscription{ClientID: c.clientID, Filter: filter})
			}
			if err := c.conn.Send((&packet.UnsubAck{PacketID: unsubscribe.PacketID}).Encode()); err != nil {
				logger.ErrorF("[%s] Fail to send unsubscribe ack packet, details: %v", c.conn.ConnID, err)
				return
			}
		case mqtt.PINGREQ:
			handlePingReq(c.conn)
		case mqtt.DISCONNECT:
			logger.InfoF("[%s] Client disconnect", c.conn.ConnID)
			return
		default:
			logger.WarnF("[%s] %s package has not been supported", c.conn.ConnID, raw.Header.Type)
			return
		}
	}
}

func (c *ConnectionHandler) handlePublish(publish *packet.Publish) error {
	if err := topic.ValidateName(publish.Topic); err != nil {
		return err
	}
	if publish.Retain {
		c.server.retain(publish)
	}
	c.server.route(publish)

	switch publish.QoS {
	case mqtt.AtLeastOnce:
		return c.conn.Send((&packet.PubAck{PacketID: publish.PacketID}).Encode())
	case mqtt.ExactlyOnce:
		return c.conn.Send((&packet.PubRec{PacketID: publish.PacketID}).Encode())
	}
	return nil
}

func (c *ConnectionHandler) handleSubscribe(subscribe *packet.Subscribe) error {
	states := make([]packet.SubscribeState, len(subscribe.Filters))
	var accepted []string
	for i, filter := range subscribe.Filters {
		err := c.server.subscriptions.Insert(topic.Subscription{ClientID: c.clientID, Filter: filter.Topic, QoS: filter.QoS})
		if err != nil {
			logger.WarnF("[%s] Reject subscription %q, details: %v", c.conn.ConnID, filter.Topic, err)
			states[i] = packet.Failure
			continue
		}
		// 只以 QoS 0 转发
		states[i] = packet.SuccessQos0
		accepted = append(accepted, filter.Topic)
	}
	if err := c.conn.Send(packet.NewSubAckPacket(subscribe.PacketID, states...)); err != nil {
		return err
	}
	for _, filter := range accepted {
		for _, message := range c.server.retainedFor(filter) {
			retained := &packet.Publish{Retain: true, Topic: message.Topic, Payload: message.Payload}
			if err := c.conn.Send(retained.Encode()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		if c.clientID != "" {
			if c.server.connections.RemoveConnection(c.clientID, c.conn) {
				c.server.subscriptions.DeleteClient(c.clientID)
			}
		}
		logger.DebugF("[%s] Connection closed", c.conn.ConnID)
		if err := c.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.conn.ConnID, err)
		}
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	c.handlePacket()
}

func decodeID(raw *mqtt.Packet) (uint16, error) {
	decoded, err := packet.Decode(raw)
	if err != nil {
		return 0, err
	}
	identified, ok := decoded.(packet.Identified)
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnexpectedPacket, raw.Header.Type)
	}
	return identified.ID(), nil
}
