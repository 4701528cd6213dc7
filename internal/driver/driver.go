// Package driver 实现会话驱动：一个会话的命令循环和事件循环
//
// 命令循环独占一个 OS 线程，从命令中继阻塞读取命令并调用连接句柄；
// 事件循环拉取协议事件并写入事件中继。两者只通过中继和一次性的完成信号协作。
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/relay"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

var ErrDriverPanic = errors.New("session driver panic")

const (
	DefaultDrainWindow   = 5 * time.Second
	DefaultRetryInterval = 10 * time.Millisecond
)

type State int32

const (
	Connecting State = iota
	Active
	Disconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	// DrainWindow 生命周期通知阻塞写入的最长时间
	DrainWindow time.Duration
	// RetryInterval 请求队列满时重试 DISCONNECT 的间隔
	RetryInterval time.Duration
	Connector     Connector
}

func (c Config) withDefaults() Config {
	if c.DrainWindow <= 0 {
		c.DrainWindow = DefaultDrainWindow
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Connector == nil {
		c.Connector = ClientConnector(0, 0)
	}
	return c
}

type Driver struct {
	id       session.ID
	options  session.Options
	commands *session.CommandRelay
	events   *session.EventRelay
	config   Config

	state   atomic.Int32
	dropped atomic.Uint64
	done    chan struct{}

	// 以下字段只由 Run 所在的 goroutine 读写；commandErr 经完成信号交接
	ready      bool
	finished   bool
	commandErr error
}

func New(id session.ID, options session.Options, commands *session.CommandRelay, events *session.EventRelay, config Config) *Driver {
	return &Driver{
		id:       id,
		options:  options.Clone(),
		commands: commands,
		events:   events,
		config:   config.withDefaults(),
		done:     make(chan struct{}),
	}
}

func (d *Driver) ID() session.ID { return d.id }

func (d *Driver) State() State { return State(d.state.Load()) }

// Dropped 因事件中继已满而丢弃的事件数
func (d *Driver) Dropped() uint64 { return d.dropped.Load() }

// Done 在 Run 返回后关闭
func (d *Driver) Done() <-chan struct{} { return d.done }

func (d *Driver) setState(state State) {
	previous := State(d.state.Swap(int32(state)))
	if previous != state {
		logger.DebugF("[%s] Session state %s -> %s", d.id, previous, state)
	}
}

// Run 驱动会话直到终止；ctx 结束等价于编排器停止
func (d *Driver) Run(ctx context.Context) {
	var source EventSource
	defer close(d.done)
	defer d.commands.Close()
	defer d.events.Close()
	defer d.setState(Terminated)
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Session driver panic: %v", d.id, r)
			if source != nil {
				_ = source.Close()
			}
			d.abort(fmt.Errorf("%w: %v", ErrDriverPanic, r))
		}
	}()

	d.setState(Connecting)
	conn, src, err := d.config.Connector(d.options)
	if err != nil {
		logger.WarnF("[%s] Fail to create session, details: %v", d.id, err)
		d.finish(session.CreateFailed{Err: err})
		return
	}
	source = src

	if !d.lifecycle(session.Ready{ID: d.id, Commands: d.commands}) {
		logger.WarnF("[%s] Ready notification not delivered, abandoning session", d.id)
		_ = source.Close()
		return
	}
	d.ready = true

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// 容量为 1，命令循环的唯一一次写入永不阻塞
	completion := make(chan session.DisconnectReason, 1)
	go d.commandLoop(ctx, loopCtx, cancel, conn, completion)

	reason, cause := d.eventLoop(loopCtx, cancel, source, completion)
	if reason != session.ReasonConnectionLost {
		d.setState(Disconnecting)
	}
	if err := source.Close(); err != nil && !client.IsRequested(err) {
		logger.DebugF("[%s] Event source close: %v", d.id, err)
	}
	logger.InfoF("[%s] Session disconnected (%s)", d.id, reason)
	d.finish(session.Disconnected{Reason: reason, Err: cause})
}

// abort 在 panic 后补发终止通知，保证每个会话恰好一次
func (d *Driver) abort(err error) {
	if d.finished {
		return
	}
	if !d.ready {
		d.finish(session.CreateFailed{Err: err})
		return
	}
	d.finish(session.Disconnected{Reason: session.ReasonConnectionLost, Err: err})
}

// eventLoop 拉取事件直到完成信号触发或事件源报错；返回前总是已读取完成信号
func (d *Driver) eventLoop(ctx context.Context, cancel context.CancelFunc, source EventSource, completion <-chan session.DisconnectReason) (session.DisconnectReason, error) {
	for {
		notification, err := source.Poll(ctx)
		if err == nil {
			d.observe(notification)
			d.emit(session.Packet{Notification: notification})
			continue
		}
		if ctx.Err() != nil || client.IsRequested(err) {
			reason := <-completion
			return reason, d.commandErr
		}
		d.setState(Terminated)
		logger.WarnF("[%s] Event source terminated, details: %v", d.id, err)
		cancel()
		<-completion
		return session.ReasonConnectionLost, err
	}
}

func (d *Driver) observe(notification client.Notification) {
	connAck, ok := notification.ConnAck()
	if !ok || connAck.ReturnCode != packet.Accepted {
		return
	}
	if d.state.CompareAndSwap(int32(Connecting), int32(Active)) {
		logger.InfoF("[%s] Session connected", d.id)
	}
}

// commandLoop 按提交顺序执行命令，结束时恰好写入一次完成信号
func (d *Driver) commandLoop(parent context.Context, ctx context.Context, cancel context.CancelFunc, conn Connection, completion chan<- session.DisconnectReason) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Session command loop panic: %v", d.id, r)
			// commandErr 在写入完成信号之前设置，读取方在收到信号之后读取
			d.commandErr = fmt.Errorf("%w: %v", ErrDriverPanic, r)
			completion <- session.ReasonConnectionLost
			cancel()
		}
	}()

	reason := d.drainCommands(parent, ctx, conn)
	completion <- reason
	cancel()
}

func (d *Driver) drainCommands(parent context.Context, ctx context.Context, conn Connection) session.DisconnectReason {
	for {
		command, err := d.commands.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, relay.ErrClosed):
				logger.DebugF("[%s] Command relay closed", d.id)
				return session.ReasonRequested
			case parent.Err() != nil:
				return session.ReasonShutdown
			default:
				return session.ReasonConnectionLost
			}
		}
		if d.apply(ctx, conn, command) {
			return session.ReasonRequested
		}
	}
}

// apply 执行一条命令，返回 true 表示已请求断开
func (d *Driver) apply(ctx context.Context, conn Connection, command session.Command) bool {
	switch c := command.(type) {
	case session.Publish:
		err := conn.TryPublish(c.Topic, c.QoS, c.Retain, c.Payload)
		if err != nil {
			logger.DebugF("[%s] Publish %s rejected: %v", d.id, c.Token, err)
		}
		d.emit(session.PublishResult{Token: c.Token, Err: err})
	case session.Subscribe:
		if err := conn.TrySubscribe(c.Filter, c.QoS); err != nil {
			d.emit(session.CommandFailed{Command: c, Err: err})
		}
	case session.Unsubscribe:
		if err := conn.TryUnsubscribe(c.Filter); err != nil {
			d.emit(session.CommandFailed{Command: c, Err: err})
		}
	case session.Connect:
		logger.DebugF("[%s] Connect ignored, connection is owned by the session", d.id)
	case session.Disconnect:
		previous := d.State()
		d.setState(Disconnecting)
		if err := d.disconnect(ctx, conn); err != nil {
			logger.WarnF("[%s] Disconnect failed: %v", d.id, err)
			d.setState(previous)
			d.emit(session.CommandFailed{Command: c, Err: err})
			return false
		}
		return true
	default:
		logger.WarnF("[%s] Unknown command %T", d.id, command)
	}
	return false
}

// disconnect 请求队列满时按 RetryInterval 重试
func (d *Driver) disconnect(ctx context.Context, conn Connection) error {
	ticker := time.NewTicker(d.config.RetryInterval)
	defer ticker.Stop()
	for {
		err := conn.TryDisconnect()
		switch {
		case err == nil, errors.Is(err, client.ErrClientClosed):
			return nil
		case !errors.Is(err, client.ErrRequestsFull):
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// emit 非阻塞写入普通事件，队列满时丢弃
func (d *Driver) emit(event session.Event) {
	err := d.events.TrySend(session.Update{ID: d.id, Event: event})
	if errors.Is(err, relay.ErrFull) {
		if d.dropped.Add(1) == 1 {
			logger.WarnF("[%s] Event relay full, dropping events", d.id)
		}
	}
}

// lifecycle 阻塞写入生命周期通知，最多等待 DrainWindow
func (d *Driver) lifecycle(notification session.Notification) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DrainWindow)
	defer cancel()
	if err := d.events.Send(ctx, notification); err != nil {
		logger.WarnF("[%s] Fail to deliver %T, details: %v", d.id, notification, err)
		return false
	}
	return true
}

func (d *Driver) finish(event session.Event) {
	d.finished = true
	d.setState(Terminated)
	d.lifecycle(session.Update{ID: d.id, Event: event})
}
