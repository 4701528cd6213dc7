// Package server 实现一个进程内的 MQTT 3.1.1 Broker，用于联调和测试会话编排层
package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

const maxConnections = 10000

var ErrServerClosed = errors.New("server closed")

// Authenticator 校验 CONNECT 中的凭据，返回 false 时回复 NotAuthorized
type Authenticator func(clientID string, username *string, password []byte) bool

type Options struct {
	Authenticate Authenticator
}

type Server struct {
	options       Options
	connections   *connection.ConnectionManager
	subscriptions *topic.Tree
	sem           chan struct{}

	retainedMu sync.RWMutex
	retained   map[string]*packet.Publish

	mu       sync.Mutex
	listener net.Listener
	active   map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func New(options Options) *Server {
	return &Server{
		options:       options,
		connections:   connection.NewConnectionManager(),
		subscriptions: topic.NewTree(),
		sem:           make(chan struct{}, maxConnections),
		retained:      make(map[string]*packet.Publish),
		active:        make(map[net.Conn]struct{}),
	}
}

// ListenAndServe 监听 addr 并在后台接受连接，返回实际监听地址
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			logger.ErrorF("MQTT Server stopped: %v", err)
		}
	}()
	return ln.Addr(), nil
}

// Serve 在 ln 上接受连接直到 Close
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if connection.IsNetClosedError(err) {
				return err
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.sem <- struct{}{}
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrack(c)
			handler := &ConnectionHandler{
				server: s,
				conn:   connection.NewConnection(c, c.RemoteAddr().String()),
			}
			handler.handleConnection()
		}(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.active[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, conn)
}

// Close 停止监听，断开所有连接并等待处理协程退出
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.active {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("MQTT Server closed")
	return err
}

// Kick 强制断开指定客户端，不发送任何报文
func (s *Server) Kick(clientID string) bool {
	conn, ok := s.connections.GetConnection(clientID)
	if !ok {
		return false
	}
	logger.InfoF("[%s] Kick client %s", conn.ConnID, clientID)
	_ = conn.Close()
	return true
}

// Clients 返回在线客户端的 ID
func (s *Server) Clients() []string {
	var clients []string
	s.connections.Range(func(clientID string, _ *connection.Connection) bool {
		clients = append(clients, clientID)
		return true
	})
	return clients
}

// Subscriptions 返回订阅树中的订阅数
func (s *Server) Subscriptions() int {
	return s.subscriptions.Len()
}

func (s *Server) authenticate(connect *packet.Connect) bool {
	if s.options.Authenticate == nil {
		return true
	}
	return s.options.Authenticate(connect.ClientID, connect.Username, connect.Password)
}

// assignClientID 为空 Client ID 的连接分配一个随机 ID
func assignClientID() string {
	return "auto-" + uuid.NewString()
}

// retain 保存或清除保留消息
func (s *Server) retain(publish *packet.Publish) {
	s.retainedMu.Lock()
	defer s.retainedMu.Unlock()
	if len(publish.Payload) == 0 {
		delete(s.retained, publish.Topic)
		return
	}
	s.retained[publish.Topic] = &packet.Publish{
		QoS:     publish.QoS,
		Retain:  true,
		Topic:   publish.Topic,
		Payload: append([]byte(nil), publish.Payload...),
	}
}

func (s *Server) retainedFor(filter string) []*packet.Publish {
	s.retainedMu.RLock()
	defer s.retainedMu.RUnlock()
	var messages []*packet.Publish
	for name, message := range s.retained {
		if topic.Match(filter, name) {
			messages = append(messages, message)
		}
	}
	return messages
}

// route 以 QoS 0 转发给所有匹配的订阅者，每个客户端只投递一次
func (s *Server) route(publish *packet.Publish) {
	delivered := make(map[string]struct{})
	for _, subscription := range s.subscriptions.Match(publish.Topic) {
		if _, ok := delivered[subscription.ClientID]; ok {
			continue
		}
		delivered[subscription.ClientID] = struct{}{}
		outgoing := &packet.Publish{
			QoS:     0,
			Topic:   publish.Topic,
			Payload: publish.Payload,
		}
		if err := s.connections.SendMessage(subscription.ClientID, outgoing.Encode()); err != nil {
			logger.WarnF("Fail to route %s to %s, details: %v", publish.Topic, subscription.ClientID, err)
		}
	}
}
