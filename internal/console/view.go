package console

import (
	"fmt"
	"slices"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

// Subscription 视图中记录的一条订阅
type Subscription struct {
	Filter string
	QoS    mqtt.QoS
}

// Entry 收发历史中的一行
type Entry struct {
	At   time.Time
	Text string
}

// View 单个会话在界面上的状态
type View struct {
	ID            session.ID
	Options       session.Options
	Connected     bool
	Live          bool
	Received      uint64
	Subscriptions []Subscription
	History       []Entry
	Reason        string

	commands *session.CommandRelay
	limit    int
}

func newView(id session.ID, options session.Options, limit int) *View {
	return &View{ID: id, Options: options, limit: limit}
}

func (v *View) record(format string, args ...any) {
	v.History = append(v.History, Entry{At: time.Now(), Text: fmt.Sprintf(format, args...)})
	if over := len(v.History) - v.limit; over > 0 {
		v.History = slices.Delete(v.History, 0, over)
	}
}

func (v *View) addSubscription(filter string, qos mqtt.QoS) {
	for i := range v.Subscriptions {
		if v.Subscriptions[i].Filter == filter {
			v.Subscriptions[i].QoS = qos
			return
		}
	}
	v.Subscriptions = append(v.Subscriptions, Subscription{Filter: filter, QoS: qos})
}

func (v *View) removeSubscription(filter string) bool {
	index := slices.IndexFunc(v.Subscriptions, func(s Subscription) bool { return s.Filter == filter })
	if index < 0 {
		return false
	}
	v.Subscriptions = slices.Delete(v.Subscriptions, index, index+1)
	return true
}

func (v *View) status() string {
	switch {
	case v.Connected:
		return "connected"
	case v.Live:
		return "connecting"
	case v.Reason != "":
		return "closed: " + v.Reason
	}
	return "closed"
}

// snapshot 返回一份不共享切片的副本
func (v *View) snapshot() View {
	copied := *v
	copied.Options = v.Options.Clone()
	copied.Subscriptions = slices.Clone(v.Subscriptions)
	copied.History = slices.Clone(v.History)
	copied.commands = nil
	return copied
}
