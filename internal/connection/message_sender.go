package connection

import (
	"net"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
)

// SendMessage 发送消息到指定客户端，客户端不在线时忽略
func (cm *ConnectionManager) SendMessage(clientID string, data []byte) error {
	conn, ok := cm.GetConnection(clientID)
	if !ok {
		return nil
	}
	return conn.Send(data)
}

// Send 发送数据到客户端
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
