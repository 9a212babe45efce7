// Package notify posts coordination alerts to Slack. The notifier is a
// pure event-bus subscriber: reclaimed leases, reported blockers, and
// unhealthy board scans become channel messages; everything else stays
// quiet. Delivery happens on a dedicated worker so Slack outages never
// stall event dispatch.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

const queueSize = 64

// sender is the slice of the Slack API the notifier needs.
type sender interface {
	send(ctx context.Context, channel, text string) error
}

type slackSender struct {
	api *slack.Client
}

func (s slackSender) send(ctx context.Context, channel, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return err
}

// SlackNotifier forwards selected coordination events to a Slack channel.
type SlackNotifier struct {
	sender  sender
	channel string

	queue chan string
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSlackNotifier builds a notifier from config and starts its delivery
// worker. Returns nil when no token or channel is configured; a nil
// notifier is safe to Attach and Close.
func NewSlackNotifier(cfg config.NotifyConfig) *SlackNotifier {
	if cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	return newNotifier(slackSender{api: slack.New(cfg.SlackToken)}, cfg.SlackChannel)
}

func newNotifier(s sender, channel string) *SlackNotifier {
	n := &SlackNotifier{
		sender:  s,
		channel: channel,
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Attach subscribes the notifier to the event types it reports on.
func (n *SlackNotifier) Attach(bus domain.EventBus) {
	if n == nil || bus == nil {
		return
	}
	bus.Subscribe(domain.EventLeaseReclaimed, n.handle)
	bus.Subscribe(domain.EventTaskBlocked, n.handle)
	bus.Subscribe(domain.EventBoardHealth, n.handle)
	logger.InfoCF("notify", "Slack notifier attached", map[string]interface{}{
		"channel": n.channel,
	})
}

// Close stops the delivery worker after draining queued messages. Call
// after the event bus is closed so no handler can enqueue afterwards.
func (n *SlackNotifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.queue)
	<-n.done
}

func (n *SlackNotifier) handle(e domain.Event) {
	text := Render(e)
	if text == "" {
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}

	select {
	case n.queue <- text:
	default:
		logger.WarnCF("notify", "Notification dropped, queue full", map[string]interface{}{
			"event": string(e.EventType()),
		})
	}
}

func (n *SlackNotifier) run() {
	for text := range n.queue {
		if err := n.post(context.Background(), text); err != nil {
			logger.ErrorCF("notify", "Slack delivery failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	close(n.done)
}

// post delivers one message with bounded exponential backoff.
func (n *SlackNotifier) post(ctx context.Context, text string) error {
	attempt := func() error {
		return n.sender.send(ctx, n.channel, text)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 20 * time.Second
	notify := func(err error, wait time.Duration) {
		logger.WarnCF("notify", "Slack post retrying", map[string]interface{}{
			"error":   err.Error(),
			"backoff": wait,
		})
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx), notify)
}

// Render formats an event into a Slack message. Events that do not need
// operator attention render to "".
func Render(e domain.Event) string {
	switch data := e.Payload().(type) {
	case events.LeaseEventData:
		if e.EventType() != domain.EventLeaseReclaimed {
			return ""
		}
		return fmt.Sprintf(":recycle: Lease reclaimed on task `%s` (agent `%s`, %d renewals). The task is back in the queue.",
			data.TaskID, data.AgentID, data.RenewalCount)

	case events.BlockerEventData:
		return fmt.Sprintf(":octagonal_sign: [%s] Task `%s` blocked by `%s`: %s",
			strings.ToUpper(data.Severity), data.TaskID, data.AgentID, data.Description)

	case events.BoardHealthData:
		return renderBoardHealth(data)
	}
	return ""
}

// renderBoardHealth reports only findings. Healthy scans stay out of the
// channel; they run every half hour.
func renderBoardHealth(data events.BoardHealthData) string {
	if !data.Gridlocked && len(data.StuckLeases) == 0 && len(data.OrphanedTasks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(":rotating_light: Board health alert\n")
	fmt.Fprintf(&b, "• %d tasks total, %d in progress, %d assignable\n",
		data.TotalTasks, data.InProgressTasks, data.AssignableTasks)
	if data.Gridlocked {
		fmt.Fprintf(&b, "• Gridlocked: %d dependency cycle(s) block all remaining work\n", len(data.Cycles))
	}
	if len(data.StuckLeases) > 0 {
		fmt.Fprintf(&b, "• Stuck leases: %s\n", strings.Join(data.StuckLeases, ", "))
	}
	if len(data.OrphanedTasks) > 0 {
		fmt.Fprintf(&b, "• Tasks with missing dependencies: %s\n", strings.Join(data.OrphanedTasks, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
