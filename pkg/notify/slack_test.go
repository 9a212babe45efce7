package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/infrastructure/eventbus"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    []string
	channels []string
	failures int
}

func (f *fakeSender) send(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("slack_webapi_rate_limited")
	}
	f.calls = append(f.calls, text)
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeSender) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func reclaimEvent() domain.Event {
	return domain.NewEvent(domain.EventLeaseReclaimed, "t1", events.LeaseEventData{
		TaskID:       "t1",
		AgentID:      "dev-1",
		RenewalCount: 7,
		Reason:       "lease expired",
	})
}

func TestRenderLeaseReclaimed(t *testing.T) {
	text := Render(reclaimEvent())
	for _, want := range []string{"t1", "dev-1", "7 renewals", "back in the queue"} {
		if !strings.Contains(text, want) {
			t.Errorf("message %q missing %q", text, want)
		}
	}
}

func TestRenderOtherLeaseEventsAreQuiet(t *testing.T) {
	evt := domain.NewEvent(domain.EventLeaseRenewed, "t1", events.LeaseEventData{TaskID: "t1"})
	if text := Render(evt); text != "" {
		t.Errorf("lease.renewed rendered %q, want silence", text)
	}
}

func TestRenderBlocker(t *testing.T) {
	evt := domain.NewEvent(domain.EventTaskBlocked, "t2", events.BlockerEventData{
		TaskID:      "t2",
		AgentID:     "dev-2",
		Severity:    "high",
		Description: "migrations fail on CI",
	})
	text := Render(evt)
	if !strings.Contains(text, "[HIGH]") {
		t.Errorf("message %q missing severity tag", text)
	}
	if !strings.Contains(text, "migrations fail on CI") {
		t.Errorf("message %q missing description", text)
	}
}

func TestRenderBoardHealth(t *testing.T) {
	tests := []struct {
		name string
		data events.BoardHealthData
		want []string
	}{
		{
			name: "healthy scan is silent",
			data: events.BoardHealthData{TotalTasks: 5, InProgressTasks: 2, AssignableTasks: 3},
			want: nil,
		},
		{
			name: "gridlock alert",
			data: events.BoardHealthData{
				TotalTasks: 4,
				Cycles:     [][]string{{"a", "b"}},
				Gridlocked: true,
			},
			want: []string{"Board health alert", "Gridlocked", "1 dependency cycle"},
		},
		{
			name: "stuck leases and orphans",
			data: events.BoardHealthData{
				TotalTasks:    6,
				StuckLeases:   []string{"t1", "t2"},
				OrphanedTasks: []string{"t9"},
			},
			want: []string{"Stuck leases: t1, t2", "missing dependencies: t9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := Render(domain.NewEvent(domain.EventBoardHealth, "board", tt.data))
			if tt.want == nil {
				if text != "" {
					t.Fatalf("rendered %q, want silence", text)
				}
				return
			}
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Errorf("message %q missing %q", text, want)
				}
			}
		})
	}
}

func TestRenderIgnoresUnrelatedEvents(t *testing.T) {
	evt := domain.NewEvent(domain.EventTaskAssigned, "t1", events.AssignmentEventData{TaskID: "t1"})
	if text := Render(evt); text != "" {
		t.Errorf("task.assigned rendered %q, want silence", text)
	}
}

func TestNotifierPostsReclaimFromBus(t *testing.T) {
	fake := &fakeSender{}
	n := newNotifier(fake, "#ops")
	t.Cleanup(n.Close)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	n.Attach(bus)

	bus.Publish(reclaimEvent())

	waitFor(t, func() bool { return len(fake.delivered()) == 1 })
	if got := fake.delivered()[0]; !strings.Contains(got, "Lease reclaimed") {
		t.Errorf("delivered %q", got)
	}
	fake.mu.Lock()
	channel := fake.channels[0]
	fake.mu.Unlock()
	if channel != "#ops" {
		t.Errorf("channel = %q, want #ops", channel)
	}
}

func TestNotifierSkipsQuietEvents(t *testing.T) {
	fake := &fakeSender{}
	n := newNotifier(fake, "#ops")
	t.Cleanup(n.Close)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	n.Attach(bus)

	// A healthy scan renders to nothing; the reclaim behind it must be
	// the first and only delivery.
	bus.Publish(domain.NewEvent(domain.EventBoardHealth, "board", events.BoardHealthData{TotalTasks: 3}))
	bus.Publish(reclaimEvent())

	waitFor(t, func() bool { return len(fake.delivered()) == 1 })
	if got := fake.delivered()[0]; !strings.Contains(got, "Lease reclaimed") {
		t.Errorf("delivered %q, want the reclaim alert", got)
	}
}

func TestNotifierRetriesTransientFailures(t *testing.T) {
	fake := &fakeSender{failures: 2}
	n := newNotifier(fake, "#ops")
	t.Cleanup(n.Close)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	n.Attach(bus)

	bus.Publish(reclaimEvent())

	waitFor(t, func() bool { return len(fake.delivered()) == 1 })
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *SlackNotifier

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	n.Attach(bus)
	n.Close()
}

func TestNewSlackNotifierRequiresConfig(t *testing.T) {
	if n := NewSlackNotifier(config.NotifyConfig{}); n != nil {
		t.Error("notifier built without a token")
	}
	if n := NewSlackNotifier(config.NotifyConfig{SlackToken: "xoxb-1"}); n != nil {
		t.Error("notifier built without a channel")
	}
}
