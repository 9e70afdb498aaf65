package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/showrunner/internal/bus"
)

// Dispatcher subscribes to alert topics and fans messages out to the
// configured channels. Each delivery gets a few retries with backoff, then
// the alert is dropped with a log line.
type Dispatcher struct {
	bus      *bus.Bus
	channels []Channel
	logger   *slog.Logger
}

func NewDispatcher(eventBus *bus.Bus, chans []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: eventBus, channels: chans, logger: logger}
}

// Start subscribes and dispatches until the context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	if len(d.channels) == 0 {
		d.logger.Info("no alert channels configured")
		return
	}
	quotaSub := d.bus.Subscribe(bus.TopicQuotaThreshold)
	streakSub := d.bus.Subscribe(bus.TopicWorkerFailureStreak)
	publishedSub := d.bus.Subscribe(bus.TopicTaskPublished)

	go func() {
		defer d.bus.Unsubscribe(quotaSub)
		defer d.bus.Unsubscribe(streakSub)
		defer d.bus.Unsubscribe(publishedSub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-quotaSub.Ch():
				if !ok {
					return
				}
				d.deliver(ctx, formatEvent(ev))
			case ev, ok := <-streakSub.Ch():
				if !ok {
					return
				}
				d.deliver(ctx, formatEvent(ev))
			case ev, ok := <-publishedSub.Ch():
				if !ok {
					return
				}
				d.deliver(ctx, formatEvent(ev))
			}
		}
	}()
}

func formatEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.QuotaThreshold:
		return fmt.Sprintf("⚠️ quota %s: channel %s used %d/%d %s units today (%.0f%%)",
			p.Level, p.ChannelID, p.Used, p.Limit, p.Resource, p.Fraction*100)
	case bus.WorkerFailureStreak:
		return fmt.Sprintf("🚨 worker %s hit %d consecutive failures (last task %s): %s",
			p.WorkerID, p.Streak, p.LastTask, p.LastErr)
	case bus.TaskStateChanged:
		return fmt.Sprintf("✅ published: task %s (channel %s)", p.TaskID, p.ChannelID)
	default:
		return fmt.Sprintf("event %s", ev.Topic)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, text string) {
	if text == "" {
		return
	}
	for _, ch := range d.channels {
		op := func() (struct{}, error) {
			return struct{}{}, ch.Notify(ctx, text)
		}
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(3),
			backoff.WithMaxElapsedTime(time.Minute),
		)
		if err != nil {
			d.logger.Warn("alert delivery dropped", "channel", ch.Name(), "error", err)
		}
	}
}
