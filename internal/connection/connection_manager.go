// Package connection 管理内置 Broker 的客户端连接
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
)

// Connection 表示一个客户端连接，写操作互斥
type Connection struct {
	Conn     net.Conn
	ConnID   string
	ClientID string
	mu       sync.Mutex
}

func NewConnection(conn net.Conn, connID string) *Connection {
	return &Connection{Conn: conn, ConnID: connID}
}

// Send 发送一个完整报文
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Send(c.Conn, data, c.ConnID)
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager 按 Client ID 索引在线连接
type ConnectionManager struct {
	connections sync.Map
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection 添加连接，返回被顶替的旧连接
func (cm *ConnectionManager) AddConnection(clientID string, conn *Connection) (*Connection, bool) {
	conn.ClientID = clientID
	previous, loaded := cm.connections.Swap(clientID, conn)
	logger.InfoF("Client %s connected", clientID)
	if !loaded {
		return nil, false
	}
	return previous.(*Connection), true
}

// RemoveConnection 移除连接，已被新连接顶替时不做任何事
func (cm *ConnectionManager) RemoveConnection(clientID string, conn *Connection) bool {
	if cm.connections.CompareAndDelete(clientID, conn) {
		logger.InfoF("Client %s disconnected", clientID)
		return true
	}
	return false
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(clientID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Range(fn func(clientID string, conn *Connection) bool) {
	cm.connections.Range(func(key, value any) bool {
		return fn(key.(string), value.(*Connection))
	})
}

func (cm *ConnectionManager) Count() int {
	count := 0
	cm.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
