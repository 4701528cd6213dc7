// Package console 是编排器的参考使用方：维护每个会话的视图，
// 按节拍拉取出站通知，并解释一套按行输入的命令。
package console

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

var (
	ErrQuit           = errors.New("quit")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session is not live")
	ErrSessionLive    = errors.New("session is still live")
)

// Orchestrator 控制台依赖的编排器能力
type Orchestrator interface {
	Request(ctx context.Context, id session.ID, options session.Options) (session.ID, error)
	Shutdown(ctx context.Context, id session.ID) error
	Notifications() <-chan session.Notification
}

type Config struct {
	MaxPerTick int
	History    int
	// Defaults new 命令未指定的参数取自这里
	Defaults session.Options
}

type Console struct {
	orchestrator Orchestrator
	store        store.Store
	config       Config

	mu      sync.Mutex
	out     io.Writer
	views   map[session.ID]*View
	pending map[session.ID][]session.Options
	// ClientID 字段存放会话 ID
	filters *topic.Tree
}

func New(orchestrator Orchestrator, profiles store.Store, out io.Writer, config Config) *Console {
	if config.MaxPerTick <= 0 {
		config.MaxPerTick = 100
	}
	if config.History <= 0 {
		config.History = 500
	}
	if config.Defaults.Type == "" {
		config.Defaults = session.DefaultOptions()
	}
	if profiles == nil {
		profiles = store.NewMemoryStore()
	}
	if out == nil {
		out = io.Discard
	}
	return &Console{
		orchestrator: orchestrator,
		store:        profiles,
		config:       config,
		out:          out,
		views:        make(map[session.ID]*View),
		pending:      make(map[session.ID][]session.Options),
		filters:      topic.NewTree(),
	}
}

// Tick 最多处理 MaxPerTick 条通知；出站通道已关闭时 closed 为 true
func (c *Console) Tick() (handled int, closed bool) {
	notifications := c.orchestrator.Notifications()
	c.mu.Lock()
	defer c.mu.Unlock()
	for handled < c.config.MaxPerTick {
		select {
		case notification, ok := <-notifications:
			if !ok {
				return handled, true
			}
			c.apply(notification)
			handled++
		default:
			return handled, false
		}
	}
	return handled, false
}

// Loop 按固定节拍调用 Tick，直到出站通道关闭或 ctx 结束
func (c *Console) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 把已关闭通道中剩余的通知处理完
			for {
				handled, closed := c.Tick()
				if closed || handled == 0 {
					return nil
				}
			}
		case <-ticker.C:
			if _, closed := c.Tick(); closed {
				logger.Debug("Notification channel closed, console loop exits")
				return nil
			}
		}
	}
}

// View 返回会话视图的副本
func (c *Console) View(id session.ID) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[id]
	if !ok {
		return View{}, false
	}
	return view.snapshot(), true
}

// Sessions 按 ID 排序的会话列表
func (c *Console) Sessions() []session.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedIDs()
}

func (c *Console) sortedIDs() []session.ID {
	ids := make([]session.ID, 0, len(c.views))
	for id := range c.views {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Console) expect(id session.ID, options session.Options) {
	c.pending[id] = append(c.pending[id], options)
}

func (c *Console) takePending(id session.ID) (session.Options, bool) {
	queue := c.pending[id]
	if len(queue) == 0 {
		return session.Options{}, false
	}
	options := queue[0]
	if len(queue) == 1 {
		delete(c.pending, id)
	} else {
		c.pending[id] = queue[1:]
	}
	return options, true
}

func (c *Console) apply(notification session.Notification) {
	id := notification.SessionID()
	switch n := notification.(type) {
	case session.Ready:
		options, _ := c.takePending(id)
		view, ok := c.views[id]
		if !ok {
			view = newView(id, options, c.config.History)
			c.views[id] = view
		} else if options.Type != "" {
			view.Options = options
		}
		view.Live = true
		view.Connected = false
		view.Reason = ""
		view.commands = n.Commands
		view.record("session ready")
		c.printf(color.FgGreen, "[%s] ready\n", id)
	case session.Update:
		c.update(id, n.Event)
	}
}

func (c *Console) update(id session.ID, event session.Event) {
	if failed, ok := event.(session.CreateFailed); ok {
		c.takePending(id)
		c.printf(color.FgRed, "[%s] create failed: %v\n", id, failed.Err)
		return
	}
	view, ok := c.views[id]
	if !ok {
		logger.DebugF("[%s] Notification for unknown session: %s", id, event.Name())
		return
	}
	switch e := event.(type) {
	case session.Packet:
		c.packet(view, e.Notification)
	case session.PublishResult:
		if e.OK() {
			view.record("publish %s queued", e.Token)
			return
		}
		view.record("publish %s failed: %v", e.Token, e.Err)
		c.printf(color.FgRed, "[%s] publish %s failed: %v\n", id, e.Token, e.Err)
	case session.CommandFailed:
		if subscribe, ok := e.Command.(session.Subscribe); ok {
			view.removeSubscription(subscribe.Filter)
			c.filters.Delete(topic.Subscription{ClientID: string(id), Filter: subscribe.Filter})
		}
		view.record("%s failed: %v", e.Command.Name(), e.Err)
		c.printf(color.FgRed, "[%s] %s failed: %v\n", id, e.Command.Name(), e.Err)
	case session.Disconnected:
		view.Connected = false
		view.Live = false
		view.commands = nil
		view.Reason = e.Reason.String()
		view.Subscriptions = nil
		c.filters.DeleteClient(string(id))
		view.record("%s", e)
		c.printf(color.FgYellow, "[%s] %s\n", id, e)
	}
}

func (c *Console) packet(view *View, notification client.Notification) {
	view.record("%s", notification)
	if notification.Direction != client.Incoming {
		return
	}
	switch p := notification.Packet.(type) {
	case *packet.ConnAck:
		if p.ReturnCode == packet.Accepted {
			view.Connected = true
			c.printf(color.FgGreen, "[%s] connected\n", view.ID)
			return
		}
		c.printf(color.FgRed, "[%s] connection refused: %s\n", view.ID, p.ReturnCode)
	case *packet.Publish:
		view.Received++
		var filters []string
		for _, subscription := range c.filters.Match(p.Topic) {
			if subscription.ClientID == string(view.ID) {
				filters = append(filters, subscription.Filter)
			}
		}
		slices.Sort(filters)
		c.printf(color.FgCyan, "[%s] %s %v: %s\n", view.ID, p.Topic, filters, p.Payload)
	case *packet.Disconnect:
		view.Connected = false
	}
}

func (c *Console) printf(attribute color.Attribute, format string, args ...any) {
	_, _ = color.New(attribute).Fprintf(c.out, format, args...)
}
