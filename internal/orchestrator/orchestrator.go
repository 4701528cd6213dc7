// Package orchestrator 接收会话创建/关闭请求，为每个会话启动 Driver，
// 并把所有事件中继汇聚到一个出站通道。
//
// 会话表只由 Run 所在的 goroutine 访问，不需要锁；其余 goroutine 通过控制通道与其通信。
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/driver"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/relay"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrStopped        = errors.New("orchestrator stopped")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// sweepBatch 每轮从单个中继最多取出的消息数
const sweepBatch = 64

type Config struct {
	CommandCapacity  int
	EventCapacity    int
	OutboundCapacity int
	ControlCapacity  int
	DrainWindow      time.Duration
	RetryInterval    time.Duration
	Connector        driver.Connector
}

func DefaultConfig() Config {
	return Config{
		CommandCapacity:  100,
		EventCapacity:    1000,
		OutboundCapacity: 1000,
		ControlCapacity:  32,
		DrainWindow:      driver.DefaultDrainWindow,
		RetryInterval:    driver.DefaultRetryInterval,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.CommandCapacity <= 0 {
		c.CommandCapacity = defaults.CommandCapacity
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = defaults.EventCapacity
	}
	// 事件中继至少要能容纳命令中继产生的全部结果事件
	c.EventCapacity = max(c.EventCapacity, c.CommandCapacity)
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = defaults.OutboundCapacity
	}
	if c.ControlCapacity <= 0 {
		c.ControlCapacity = defaults.ControlCapacity
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = defaults.DrainWindow
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	return c
}

type controlKind int

const (
	controlCreate controlKind = iota
	controlShutdown
)

type control struct {
	kind    controlKind
	id      session.ID
	options session.Options
}

// entry 会话表中的一项，只由 Run 访问
type entry struct {
	driver          *driver.Driver
	commands        *session.CommandRelay
	events          *session.EventRelay
	shutdownPending bool
}

type Orchestrator struct {
	config   Config
	control  chan control
	outbound chan session.Notification
	wake     chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	stopMu   sync.RWMutex
	stopped  bool
	running  atomic.Bool
	dropped  atomic.Uint64
	active   atomic.Int64

	// 以下字段只由 Run 访问
	sessions map[session.ID]*entry
	// pending 存活会话的生命周期通知，每个会话至多 Ready 和一条终止通知
	pending []session.Notification
	parked  map[session.ID]int
	// rejected 创建失败通知，最多 ControlCapacity 条，超出丢弃
	rejected []session.Notification
	drivers  sync.WaitGroup
}

func New(config Config) *Orchestrator {
	config = config.withDefaults()
	return &Orchestrator{
		config:   config,
		control:  make(chan control, config.ControlCapacity),
		outbound: make(chan session.Notification, config.OutboundCapacity),
		wake:     make(chan struct{}, 1),
		stopping: make(chan struct{}),
		sessions: make(map[session.ID]*entry),
		parked:   make(map[session.ID]int),
	}
}

// Notifications 出站通道，Run 退出后关闭
func (o *Orchestrator) Notifications() <-chan session.Notification {
	return o.outbound
}

// Dropped 因出站通道已满而丢弃的普通事件数
func (o *Orchestrator) Dropped() uint64 {
	return o.dropped.Load()
}

// Active 仍在会话表中的会话数
func (o *Orchestrator) Active() int {
	return int(o.active.Load())
}

// Request 请求创建会话，返回最终使用的会话 ID。
// id 为空时依次使用参数中的 Client ID 和随机 UUID。
func (o *Orchestrator) Request(ctx context.Context, id session.ID, options session.Options) (session.ID, error) {
	id, options = resolveID(id, options)
	return id, o.send(ctx, control{kind: controlCreate, id: id, options: options})
}

// Shutdown 请求会话优雅退出；会话不存在时不做任何事
func (o *Orchestrator) Shutdown(ctx context.Context, id session.ID) error {
	return o.send(ctx, control{kind: controlShutdown, id: id})
}

// send 持有读锁投递，stop 在取得写锁之后才做最后一次 rejectQueued
func (o *Orchestrator) send(ctx context.Context, c control) error {
	o.stopMu.RLock()
	defer o.stopMu.RUnlock()
	if o.stopped {
		return ErrStopped
	}
	select {
	case o.control <- c:
		return nil
	case <-o.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveID(id session.ID, options session.Options) (session.ID, session.Options) {
	options = options.Clone()
	if id == "" {
		id = session.ID(options.ClientID())
	}
	if id == "" {
		id = session.ID(uuid.NewString())
	}
	if options.Type == session.V3 && options.V3 != nil && options.V3.ClientID == "" {
		options.V3.ClientID = string(id)
	}
	return id, options
}

// Run 处理控制请求并汇聚事件，直到 ctx 结束。
// 退出前停止所有 Driver，在 DrainWindow 内继续转发它们的终止通知，最后关闭出站通道。
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	driverCtx, cancelDrivers := context.WithCancel(context.Background())
	defer cancelDrivers()

	logger.Info("Session orchestrator started")
	for {
		busy := o.sweep()
		if busy {
			select {
			case <-ctx.Done():
				return o.stop(cancelDrivers)
			case c := <-o.control:
				o.handle(driverCtx, c)
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return o.stop(cancelDrivers)
		case c := <-o.control:
			o.handle(driverCtx, c)
		case <-o.wake:
		case <-o.retryC():
		}
	}
}

func (o *Orchestrator) retryC() <-chan time.Time {
	if len(o.pending) == 0 && len(o.rejected) == 0 && !o.hasPendingShutdown() {
		return nil
	}
	return time.After(o.config.RetryInterval)
}

func (o *Orchestrator) hasPendingShutdown() bool {
	for _, e := range o.sessions {
		if e.shutdownPending {
			return true
		}
	}
	return false
}

func (o *Orchestrator) handle(ctx context.Context, c control) {
	switch c.kind {
	case controlCreate:
		o.create(ctx, c.id, c.options)
	case controlShutdown:
		o.shutdown(c.id)
	}
}

func (o *Orchestrator) create(ctx context.Context, id session.ID, options session.Options) {
	if _, ok := o.sessions[id]; ok {
		logger.WarnF("[%s] Session already exists, rejecting request", id)
		o.reject(id, ErrSessionExists)
		return
	}
	if err := options.Validate(); err != nil {
		logger.WarnF("[%s] Invalid session options: %v", id, err)
		o.reject(id, err)
		return
	}

	commands := session.NewCommandRelay(o.config.CommandCapacity)
	events := session.NewEventRelay(o.config.EventCapacity, relay.WithWake(o.wake))
	d := driver.New(id, options, commands, events, driver.Config{
		DrainWindow:   o.config.DrainWindow,
		RetryInterval: o.config.RetryInterval,
		Connector:     o.config.Connector,
	})
	o.sessions[id] = &entry{driver: d, commands: commands, events: events}
	o.active.Add(1)

	logger.InfoF("[%s] Session requested", id)
	o.drivers.Add(1)
	go func() {
		defer o.drivers.Done()
		d.Run(ctx)
	}()
}

// reject 创建失败不属于任何存活会话，不占用会话的暂存计数
func (o *Orchestrator) reject(id session.ID, err error) {
	notification := session.Update{ID: id, Event: session.CreateFailed{Err: err}}
	if len(o.rejected) == 0 {
		select {
		case o.outbound <- notification:
			return
		default:
		}
	}
	if len(o.rejected) >= o.config.ControlCapacity {
		o.dropped.Add(1)
		logger.WarnF("[%s] Outbound channel full, dropping create failure: %v", id, err)
		return
	}
	o.rejected = append(o.rejected, notification)
}

func (o *Orchestrator) shutdown(id session.ID) {
	e, ok := o.sessions[id]
	if !ok {
		logger.DebugF("[%s] Shutdown for unknown session ignored", id)
		return
	}
	o.queueDisconnect(id, e)
}

func (o *Orchestrator) queueDisconnect(id session.ID, e *entry) {
	err := e.commands.TrySend(session.Disconnect{})
	switch {
	case err == nil, errors.Is(err, relay.ErrClosed):
		e.shutdownPending = false
	case errors.Is(err, relay.ErrFull):
		if !e.shutdownPending {
			logger.DebugF("[%s] Command relay full, retrying shutdown", id)
		}
		e.shutdownPending = true
	}
}

// sweep 对会话表快照中的每个中继做一次非阻塞读取，返回是否还有未读完的中继
func (o *Orchestrator) sweep() bool {
	o.flushPending()

	ids := make([]session.ID, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}

	busy := false
	for _, id := range ids {
		e, ok := o.sessions[id]
		if !ok {
			continue
		}
		if e.shutdownPending {
			o.queueDisconnect(id, e)
		}
		busy = o.drain(id, e) || busy
	}
	return busy
}

// sweepAll 反复 sweep 直到所有中继读空或暂停
func (o *Orchestrator) sweepAll() {
	for o.sweep() {
	}
}

// drain 读取一个中继
func (o *Orchestrator) drain(id session.ID, e *entry) bool {
	for i := 0; i < sweepBatch; i++ {
		notification, err := e.events.TryRecv()
		switch {
		case errors.Is(err, relay.ErrEmpty):
			return false
		case errors.Is(err, relay.ErrClosed):
			delete(o.sessions, id)
			o.active.Add(-1)
			logger.DebugF("[%s] Session removed", id)
			return false
		}
		o.forward(notification)
	}
	return true
}

// forward 非阻塞投递；普通事件在出站通道满时丢弃，生命周期通知暂存后重试。
// 会话已有暂存通知时，后续通知不得越过它：普通事件直接丢弃，生命周期通知排在其后
func (o *Orchestrator) forward(notification session.Notification) {
	id := notification.SessionID()
	if o.parked[id] == 0 {
		select {
		case o.outbound <- notification:
			return
		default:
		}
	}
	if session.IsLifecycle(notification) {
		o.pending = append(o.pending, notification)
		o.parked[id]++
		return
	}
	if o.dropped.Add(1) == 1 {
		logger.WarnF("Outbound channel full, dropping events")
	}
}

func (o *Orchestrator) flushPending() {
	if len(o.pending) > 0 {
		// 同一会话前一条未送出时，后一条也必须保留
		blocked := make(map[session.ID]bool)
		kept := o.pending[:0]
		for _, notification := range o.pending {
			id := notification.SessionID()
			if !blocked[id] {
				select {
				case o.outbound <- notification:
					if o.parked[id]--; o.parked[id] <= 0 {
						delete(o.parked, id)
					}
					continue
				default:
				}
			}
			blocked[id] = true
			kept = append(kept, notification)
		}
		clear(o.pending[len(kept):])
		o.pending = kept
	}

	sent := 0
flush:
	for sent < len(o.rejected) {
		select {
		case o.outbound <- o.rejected[sent]:
			sent++
		default:
			break flush
		}
	}
	if sent > 0 {
		remaining := copy(o.rejected, o.rejected[sent:])
		clear(o.rejected[remaining:])
		o.rejected = o.rejected[:remaining]
	}
}

func (o *Orchestrator) stop(cancelDrivers context.CancelFunc) error {
	o.stopOnce.Do(func() { close(o.stopping) })
	// 等待进行中的 send 退出，之后不会再有控制消息写入
	o.stopMu.Lock()
	o.stopped = true
	o.stopMu.Unlock()
	logger.InfoF("Stopping session orchestrator, %d active sessions", len(o.sessions))
	o.rejectQueued()
	cancelDrivers()

	done := make(chan struct{})
	go func() {
		o.drivers.Wait()
		close(done)
	}()

	deadline := time.NewTimer(o.config.DrainWindow)
	defer deadline.Stop()
drain:
	for {
		busy := o.sweep()
		select {
		case <-done:
			o.sweepAll()
			break drain
		case <-deadline.C:
			logger.WarnF("Drain window elapsed with %d sessions left", len(o.sessions))
			break drain
		default:
		}
		if busy {
			continue
		}
		select {
		case <-done:
			o.sweepAll()
			break drain
		case <-deadline.C:
			logger.WarnF("Drain window elapsed with %d sessions left", len(o.sessions))
			break drain
		case <-o.wake:
		case <-o.retryC():
		}
	}

	<-done
	o.rejectQueued()
	o.flushPending()
	if undelivered := len(o.pending) + len(o.rejected); undelivered > 0 {
		logger.WarnF("%d lifecycle notifications undelivered at shutdown", undelivered)
	}
	close(o.outbound)
	logger.Info("Session orchestrator stopped")
	return nil
}

// rejectQueued 停止时仍在控制通道中的创建请求以 ErrStopped 失败
func (o *Orchestrator) rejectQueued() {
	for {
		select {
		case c := <-o.control:
			if c.kind == controlCreate {
				o.reject(c.id, ErrStopped)
			}
		default:
			return
		}
	}
}
