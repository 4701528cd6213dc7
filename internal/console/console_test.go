package console

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/relay"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/store"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type request struct {
	ID      session.ID
	Options session.Options
}

type fakeOrchestrator struct {
	mu            sync.Mutex
	notifications chan session.Notification
	requests      []request
	shutdowns     []session.ID
	err           error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{notifications: make(chan session.Notification, 64)}
}

func (f *fakeOrchestrator) Request(_ context.Context, id session.ID, options session.Options) (session.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, request{ID: id, Options: options.Clone()})
	return id, nil
}

func (f *fakeOrchestrator) Shutdown(_ context.Context, id session.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, id)
	return nil
}

func (f *fakeOrchestrator) Notifications() <-chan session.Notification {
	return f.notifications
}

func newConsole(t *testing.T, config Config) (*Console, *fakeOrchestrator, *bytes.Buffer) {
	t.Helper()
	orchestrator := newFakeOrchestrator()
	out := &bytes.Buffer{}
	return New(orchestrator, store.NewMemoryStore(), out, config), orchestrator, out
}

func incoming(p packet.Packet) session.Notification {
	return nil
}

func update(id session.ID, event session.Event) session.Notification {
	return session.Update{ID: id, Event: event}
}

func packetUpdate(id session.ID, direction client.Direction, p packet.Packet) session.Notification {
	return update(id, session.Packet{Notification: client.Notification{Direction: direction, Packet: p}})
}

// ready 创建会话并投递 Ready，返回会话的命令中继
func ready(t *testing.T, c *Console, f *fakeOrchestrator, id session.ID, capacity int) *session.CommandRelay {
	t.Helper()
	if err := c.Execute(context.Background(), "new "+string(id)+" 127.0.0.1:1883"); err != nil {
		t.Fatalf("new: %v", err)
	}
	commands := session.NewCommandRelay(capacity)
	f.notifications <- session.Ready{ID: id, Commands: commands}
	c.Tick()
	return commands
}

func TestTickRespectsLimit(t *testing.T) {
	c, f, _ := newConsole(t, Config{MaxPerTick: 2})
	ready(t, c, f, "dev-1", 4)
	for range 5 {
		f.notifications <- update("dev-1", session.PublishResult{Token: "t"})
	}

	var handled []int
	for range 4 {
		n, closed := c.Tick()
		if closed {
			t.Fatal("channel reported closed")
		}
		handled = append(handled, n)
	}
	if diff := cmp.Diff([]int{2, 2, 1, 0}, handled); diff != "" {
		t.Errorf("handled per tick mismatch (-want +got):\n%s", diff)
	}

	close(f.notifications)
	if _, closed := c.Tick(); !closed {
		t.Error("expected closed after channel close")
	}
}

func TestViewTracksConnection(t *testing.T) {
	c, f, out := newConsole(t, Config{})
	commands := ready(t, c, f, "dev-1", 4)

	if err := c.Execute(context.Background(), "sub dev-1 sensors/+/temp 1"); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if err := c.Execute(context.Background(), "sub dev-1 sensors/#"); err != nil {
		t.Fatalf("sub: %v", err)
	}
	first, _ := commands.TryRecv()
	if diff := cmp.Diff(session.Command(session.Subscribe{Filter: "sensors/+/temp", QoS: mqtt.AtLeastOnce}), first); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	f.notifications <- packetUpdate("dev-1", client.Incoming, &packet.ConnAck{ReturnCode: packet.Accepted})
	f.notifications <- packetUpdate("dev-1", client.Incoming, &packet.Publish{Topic: "sensors/a/temp", Payload: []byte("21")})
	f.notifications <- packetUpdate("dev-1", client.Incoming, &packet.Publish{Topic: "other", Payload: []byte("x")})
	c.Tick()

	view, ok := c.View("dev-1")
	if !ok {
		t.Fatal("view missing")
	}
	if !view.Connected || !view.Live {
		t.Errorf("expected connected live view, got connected=%v live=%v", view.Connected, view.Live)
	}
	if view.Received != 2 {
		t.Errorf("received = %d, want 2", view.Received)
	}
	if !strings.Contains(out.String(), "sensors/a/temp [sensors/# sensors/+/temp]: 21") {
		t.Errorf("publish not attributed to filters:\n%s", out.String())
	}

	f.notifications <- update("dev-1", session.Disconnected{Reason: session.ReasonConnectionLost})
	c.Tick()
	view, _ = c.View("dev-1")
	if view.Connected || view.Live {
		t.Error("expected view to be closed")
	}
	if len(view.Subscriptions) != 0 {
		t.Errorf("subscriptions kept after disconnect: %v", view.Subscriptions)
	}
	if view.status() != "closed: connection lost" {
		t.Errorf("status = %q", view.status())
	}
	if err := c.Execute(context.Background(), "pub dev-1 a b"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestIncomingDisconnectClearsConnected(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	ready(t, c, f, "dev-1", 1)
	f.notifications <- packetUpdate("dev-1", client.Incoming, &packet.ConnAck{ReturnCode: packet.Accepted})
	f.notifications <- packetUpdate("dev-1", client.Incoming, &packet.Disconnect{})
	c.Tick()
	view, _ := c.View("dev-1")
	if view.Connected {
		t.Error("expected connected flag cleared by DISCONNECT")
	}
	if !view.Live {
		t.Error("session should stay live until Disconnected")
	}
}

func TestUnsubscribeOnlyWhenAccepted(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	commands := ready(t, c, f, "dev-1", 1)
	ctx := context.Background()

	if err := c.Execute(ctx, "sub dev-1 a/b"); err != nil {
		t.Fatal(err)
	}
	// 中继已满，取消订阅被拒绝
	if err := c.Execute(ctx, "unsub dev-1 a/b"); !errors.Is(err, relay.ErrFull) {
		t.Fatalf("expected relay.ErrFull, got %v", err)
	}
	view, _ := c.View("dev-1")
	if diff := cmp.Diff([]Subscription{{Filter: "a/b"}}, view.Subscriptions); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}

	if _, err := commands.TryRecv(); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "unsub dev-1 a/b"); err != nil {
		t.Fatal(err)
	}
	view, _ = c.View("dev-1")
	if len(view.Subscriptions) != 0 {
		t.Errorf("expected filter removed, got %v", view.Subscriptions)
	}
}

func TestSubscribeFailureRemovesFilter(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	ready(t, c, f, "dev-1", 4)
	if err := c.Execute(context.Background(), "sub dev-1 a/#/b"); err != nil {
		t.Fatal(err)
	}
	f.notifications <- update("dev-1", session.CommandFailed{
		Command: session.Subscribe{Filter: "a/#/b"},
		Err:     errors.New("invalid topic filter"),
	})
	c.Tick()
	view, _ := c.View("dev-1")
	if len(view.Subscriptions) != 0 {
		t.Errorf("expected failed filter removed, got %v", view.Subscriptions)
	}
}

func TestPublishCommand(t *testing.T) {
	c, f, out := newConsole(t, Config{})
	commands := ready(t, c, f, "dev-1", 4)
	if err := c.Execute(context.Background(), "pub dev-1 t/1 hello 2 true"); err != nil {
		t.Fatal(err)
	}
	command, err := commands.TryRecv()
	if err != nil {
		t.Fatal(err)
	}
	publish, ok := command.(session.Publish)
	if !ok {
		t.Fatalf("expected Publish, got %T", command)
	}
	if publish.Token == "" || !strings.Contains(out.String(), "token "+publish.Token) {
		t.Errorf("token not reported: %q", out.String())
	}
	publish.Token = ""
	want := session.Publish{Topic: "t/1", QoS: mqtt.ExactlyOnce, Retain: true, Payload: []byte("hello")}
	if diff := cmp.Diff(want, publish); diff != "" {
		t.Errorf("publish mismatch (-want +got):\n%s", diff)
	}

	for _, line := range []string{"pub dev-1 t x 3", "pub dev-1 t x 0 maybe", "pub dev-1 t"} {
		if err := c.Execute(context.Background(), line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

func TestNewBuildsOptions(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	ctx := context.Background()
	if err := c.Execute(ctx, "new a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "new b broker.local:1884 client-b"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "new c [::1]:0"); err == nil {
		t.Error("expected invalid port error")
	}
	if len(f.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(f.requests))
	}

	defaults := session.DefaultOptions()
	if got := f.requests[0].Options.V3; got.BrokerAddr != defaults.V3.BrokerAddr || got.ClientID != "" {
		t.Errorf("unexpected default options %+v", got)
	}
	b := f.requests[1].Options.V3
	if b.BrokerAddr != "broker.local" || b.Port != 1884 || b.ClientID != "client-b" {
		t.Errorf("unexpected options %+v", b)
	}
}

func TestReconnectUsesStoredOptions(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	ctx := context.Background()
	ready(t, c, f, "dev-1", 1)

	if err := c.Execute(ctx, "reconnect dev-1"); !errors.Is(err, ErrSessionLive) {
		t.Fatalf("expected ErrSessionLive, got %v", err)
	}
	f.notifications <- update("dev-1", session.Disconnected{Reason: session.ReasonRequested})
	c.Tick()

	if err := c.Execute(ctx, "reconnect dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "reconnect nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if len(f.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(f.requests))
	}
	if diff := cmp.Diff(f.requests[0], f.requests[1]); diff != "" {
		t.Errorf("reconnect options differ (-first +second):\n%s", diff)
	}
}

func TestCreateFailedKeepsLiveView(t *testing.T) {
	c, f, out := newConsole(t, Config{})
	ready(t, c, f, "dev-1", 1)
	if err := c.Execute(context.Background(), "new dev-1 other.host"); err != nil {
		t.Fatal(err)
	}
	f.notifications <- update("dev-1", session.CreateFailed{Err: errors.New("session already exists")})
	c.Tick()

	view, _ := c.View("dev-1")
	if !view.Live || view.Options.V3.BrokerAddr != "127.0.0.1" {
		t.Errorf("live view disturbed: live=%v options=%+v", view.Live, view.Options.V3)
	}
	if len(c.pending) != 0 {
		t.Errorf("pending not cleared: %v", c.pending)
	}
	if !strings.Contains(out.String(), "create failed: session already exists") {
		t.Errorf("missing failure output:\n%s", out.String())
	}
}

func TestRequestErrorForgetsPending(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	f.err = errors.New("orchestrator stopped")
	if err := c.Execute(context.Background(), "new dev-1"); err == nil {
		t.Fatal("expected error")
	}
	if len(c.pending) != 0 {
		t.Errorf("pending not cleared: %v", c.pending)
	}
}

func TestProfiles(t *testing.T) {
	c, f, out := newConsole(t, Config{})
	ctx := context.Background()

	if err := c.Execute(ctx, "save home 10.0.0.2:1883 kitchen"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "open missing"); !errors.Is(err, store.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
	if err := c.Execute(ctx, "open home"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "open home second"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "profiles"); err != nil {
		t.Fatal(err)
	}

	ids := []session.ID{f.requests[0].ID, f.requests[1].ID}
	if diff := cmp.Diff([]session.ID{"kitchen", "second"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if f.requests[0].Options.V3.BrokerAddr != "10.0.0.2" {
		t.Errorf("profile options not used: %+v", f.requests[0].Options.V3)
	}
	if !strings.Contains(out.String(), `home             10.0.0.2:1883 client="kitchen"`) {
		t.Errorf("profiles output:\n%s", out.String())
	}
}

func TestShutdownAndList(t *testing.T) {
	c, f, out := newConsole(t, Config{})
	ctx := context.Background()
	if err := c.Execute(ctx, "list"); err != nil {
		t.Fatal(err)
	}
	ready(t, c, f, "b", 1)
	ready(t, c, f, "a", 1)
	if err := c.Execute(ctx, "shutdown a"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]session.ID{"a"}, f.shutdowns); diff != "" {
		t.Errorf("shutdowns mismatch (-want +got):\n%s", diff)
	}
	out.Reset()
	if err := c.Execute(ctx, "list"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "a ") || !strings.HasPrefix(lines[1], "b ") {
		t.Errorf("list output not sorted:\n%s", out.String())
	}
	if err := c.Execute(ctx, "show a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, "show z"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	c, f, _ := newConsole(t, Config{History: 3})
	ready(t, c, f, "dev-1", 1)
	for range 10 {
		f.notifications <- update("dev-1", session.PublishResult{Token: "t"})
	}
	c.Tick()
	view, _ := c.View("dev-1")
	if len(view.History) != 3 {
		t.Errorf("history length = %d, want 3", len(view.History))
	}
}

func TestServe(t *testing.T) {
	c, _, out := newConsole(t, Config{})
	input := strings.NewReader("help\nbogus\nsub\nquit\nlist\n")
	if err := c.Serve(context.Background(), input); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"commands:", `unknown command "bogus"`, "usage: sub <id> <filter> [qos]"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "no sessions") {
		t.Error("commands after quit were executed")
	}
}

func TestLoopExitsWhenChannelCloses(t *testing.T) {
	c, f, _ := newConsole(t, Config{})
	done := make(chan error, 1)
	go func() { done <- c.Loop(context.Background(), time.Millisecond) }()
	close(f.notifications)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}
