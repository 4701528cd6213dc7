package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/topic"
)

var ErrUsage = errors.New("usage")

const helpText = `commands:
  new <id> [host[:port]] [client-id]
  open <profile> [id]
  save <profile> <host[:port]> [client-id]
  profiles
  sub <id> <filter> [qos]
  unsub <id> <filter>
  pub <id> <topic> <payload> [qos] [retain]
  disconnect <id>
  shutdown <id>
  reconnect <id>
  list
  show <id>
  help
  quit
`

type handler struct {
	usage string
	min   int
	run   func(c *Console, ctx context.Context, args []string) error
}

var handlers = map[string]handler{
	"new":        {"new <id> [host[:port]] [client-id]", 1, (*Console).cmdNew},
	"open":       {"open <profile> [id]", 1, (*Console).cmdOpen},
	"save":       {"save <profile> <host[:port]> [client-id]", 2, (*Console).cmdSave},
	"profiles":   {"profiles", 0, (*Console).cmdProfiles},
	"sub":        {"sub <id> <filter> [qos]", 2, (*Console).cmdSubscribe},
	"unsub":      {"unsub <id> <filter>", 2, (*Console).cmdUnsubscribe},
	"pub":        {"pub <id> <topic> <payload> [qos] [retain]", 3, (*Console).cmdPublish},
	"disconnect": {"disconnect <id>", 1, (*Console).cmdDisconnect},
	"shutdown":   {"shutdown <id>", 1, (*Console).cmdShutdown},
	"reconnect":  {"reconnect <id>", 1, (*Console).cmdReconnect},
	"list":       {"list", 0, (*Console).cmdList},
	"show":       {"show <id>", 1, (*Console).cmdShow},
}

// Execute 解释一行命令
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "quit", "exit":
		return ErrQuit
	case "help", "?":
		c.mu.Lock()
		defer c.mu.Unlock()
		_, _ = io.WriteString(c.out, helpText)
		return nil
	}
	h, ok := handlers[name]
	if !ok {
		return fmt.Errorf("unknown command %q, type help for a list", name)
	}
	if len(args) < h.min {
		return fmt.Errorf("%w: %s", ErrUsage, h.usage)
	}
	return h.run(c, ctx, args)
}

// Serve 逐行读取并执行命令，直到 quit、输入结束或 ctx 结束
func (c *Console) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		err := c.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			c.mu.Lock()
			c.printf(color.FgRed, "error: %v\n", err)
			c.mu.Unlock()
		}
	}
	return scanner.Err()
}

func (c *Console) cmdNew(ctx context.Context, args []string) error {
	options, err := c.buildOptions(args[1:])
	if err != nil {
		return err
	}
	return c.request(ctx, session.ID(args[0]), options)
}

func (c *Console) cmdOpen(ctx context.Context, args []string) error {
	profile, err := c.store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("open profile %s: %w", args[0], err)
	}
	id := session.ID(profile.Options.ClientID())
	if len(args) > 1 {
		id = session.ID(args[1])
	}
	if id == "" {
		id = session.ID(profile.Name)
	}
	return c.request(ctx, id, profile.Options)
}

func (c *Console) cmdSave(ctx context.Context, args []string) error {
	options, err := c.buildOptions(args[1:])
	if err != nil {
		return err
	}
	if err := options.Validate(); err != nil {
		return err
	}
	if err := c.store.Save(ctx, args[0], options); err != nil {
		return fmt.Errorf("save profile %s: %w", args[0], err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf(color.FgGreen, "profile %s saved\n", args[0])
	return nil
}

func (c *Console) cmdProfiles(ctx context.Context, _ []string) error {
	profiles, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(profiles) == 0 {
		_, _ = fmt.Fprintln(c.out, "no profiles")
		return nil
	}
	for _, profile := range profiles {
		_, _ = fmt.Fprintf(c.out, "%-16s %s\n", profile.Name, describe(profile.Options))
	}
	return nil
}

func (c *Console) cmdSubscribe(_ context.Context, args []string) error {
	id, filter := session.ID(args[0]), args[1]
	qos := mqtt.AtMostOnce
	if len(args) > 2 {
		var err error
		if qos, err = parseQoS(args[2]); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	view, err := c.liveView(id)
	if err != nil {
		return err
	}
	if err := view.commands.TrySend(session.Subscribe{Filter: filter, QoS: qos}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	view.addSubscription(filter, qos)
	// 过滤器非法时由会话回报 CommandFailed，这里只跳过归属索引
	if err := c.filters.Insert(topic.Subscription{ClientID: string(id), Filter: filter, QoS: qos}); err != nil {
		view.record("filter %s not indexed: %v", filter, err)
	}
	return nil
}

func (c *Console) cmdUnsubscribe(_ context.Context, args []string) error {
	id, filter := session.ID(args[0]), args[1]
	c.mu.Lock()
	defer c.mu.Unlock()
	view, err := c.liveView(id)
	if err != nil {
		return err
	}
	if err := view.commands.TrySend(session.Unsubscribe{Filter: filter}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	view.removeSubscription(filter)
	c.filters.Delete(topic.Subscription{ClientID: string(id), Filter: filter})
	return nil
}

func (c *Console) cmdPublish(_ context.Context, args []string) error {
	id := session.ID(args[0])
	publish := session.Publish{
		Token:   uuid.NewString(),
		Topic:   args[1],
		Payload: []byte(args[2]),
	}
	if len(args) > 3 {
		qos, err := parseQoS(args[3])
		if err != nil {
			return err
		}
		publish.QoS = qos
	}
	if len(args) > 4 {
		retain, err := strconv.ParseBool(args[4])
		if err != nil {
			return fmt.Errorf("invalid retain flag %q", args[4])
		}
		publish.Retain = retain
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	view, err := c.liveView(id)
	if err != nil {
		return err
	}
	if err := view.commands.TrySend(publish); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	view.record("%s", publish)
	_, _ = fmt.Fprintf(c.out, "token %s\n", publish.Token)
	return nil
}

func (c *Console) cmdDisconnect(_ context.Context, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, err := c.liveView(session.ID(args[0]))
	if err != nil {
		return err
	}
	if err := view.commands.TrySend(session.Disconnect{}); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (c *Console) cmdShutdown(ctx context.Context, args []string) error {
	return c.orchestrator.Shutdown(ctx, session.ID(args[0]))
}

func (c *Console) cmdReconnect(ctx context.Context, args []string) error {
	id := session.ID(args[0])
	c.mu.Lock()
	view, ok := c.views[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if view.Live {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionLive, id)
	}
	options := view.Options.Clone()
	c.mu.Unlock()
	return c.request(ctx, id, options)
}

func (c *Console) cmdList(_ context.Context, _ []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.sortedIDs()
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(c.out, "no sessions")
		return nil
	}
	for _, id := range ids {
		view := c.views[id]
		_, _ = fmt.Fprintf(c.out, "%-16s %-24s received=%d subscriptions=%d\n",
			id, view.status(), view.Received, len(view.Subscriptions))
	}
	return nil
}

func (c *Console) cmdShow(_ context.Context, args []string) error {
	id := session.ID(args[0])
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	c.printf(color.Bold, "%s (%s)\n", id, view.status())
	_, _ = fmt.Fprintf(c.out, "  broker: %s\n  received: %d\n", describe(view.Options), view.Received)
	for _, subscription := range view.Subscriptions {
		_, _ = fmt.Fprintf(c.out, "  sub %s %s\n", subscription.Filter, subscription.QoS)
	}
	for _, entry := range view.History {
		_, _ = fmt.Fprintf(c.out, "  %s %s\n", entry.At.Format("15:04:05.000"), entry.Text)
	}
	return nil
}

// request 先登记待确认的参数，保证 Ready 到达时能取到
func (c *Console) request(ctx context.Context, id session.ID, options session.Options) error {
	c.mu.Lock()
	c.expect(id, options)
	c.mu.Unlock()
	if _, err := c.orchestrator.Request(ctx, id, options); err != nil {
		c.mu.Lock()
		c.forget(id)
		c.mu.Unlock()
		return fmt.Errorf("request session %s: %w", id, err)
	}
	return nil
}

// forget 撤销最后一次登记
func (c *Console) forget(id session.ID) {
	queue := c.pending[id]
	switch len(queue) {
	case 0:
	case 1:
		delete(c.pending, id)
	default:
		c.pending[id] = queue[:len(queue)-1]
	}
}

func (c *Console) liveView(id session.ID) (*View, error) {
	view, ok := c.views[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !view.Live || view.commands == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return view, nil
}

// buildOptions 以默认参数为基础，args 依次为 host[:port] 和 client-id
func (c *Console) buildOptions(args []string) (session.Options, error) {
	options := c.config.Defaults.Clone()
	if options.Type != session.V3 || options.V3 == nil {
		options = session.DefaultOptions()
	}
	if len(args) > 0 {
		host, port, err := parseAddress(args[0])
		if err != nil {
			return options, err
		}
		options.V3.BrokerAddr = host
		if port != 0 {
			options.V3.Port = port
		}
	}
	if len(args) > 1 {
		options.V3.ClientID = args[1]
	} else {
		options.V3.ClientID = ""
	}
	return options, nil
}

func parseAddress(address string) (string, uint16, error) {
	if !strings.Contains(address, ":") {
		return address, 0, nil
	}
	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid broker port %q", portString)
	}
	return host, uint16(port), nil
}

func parseQoS(s string) (mqtt.QoS, error) {
	value, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !mqtt.QoS(value).Valid() {
		return 0, fmt.Errorf("invalid qos %q", s)
	}
	return mqtt.QoS(value), nil
}

func describe(options session.Options) string {
	if options.Type != session.V3 || options.V3 == nil {
		return string(options.Type)
	}
	v3 := options.V3
	return fmt.Sprintf("%s:%d client=%q clean=%t", v3.BrokerAddr, v3.Port, v3.ClientID, v3.CleanSession)
}
