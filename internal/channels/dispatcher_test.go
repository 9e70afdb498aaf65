package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/showrunner/internal/bus"
)

type recordingChannel struct {
	mu       sync.Mutex
	messages []string
	failures int
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Notify(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("unavailable")
	}
	c.messages = append(c.messages, text)
	return nil
}

func (c *recordingChannel) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatcher_DeliversQuotaAlert(t *testing.T) {
	eventBus := bus.New()
	ch := &recordingChannel{}
	NewDispatcher(eventBus, []Channel{ch}, nil).Start(context.Background())

	// Give the subscriber goroutine a moment to attach.
	waitFor(t, func() bool { return eventBus.SubscriberCount() == 3 })

	eventBus.Publish(bus.TopicQuotaThreshold, bus.QuotaThreshold{
		ChannelID: "alpha", Resource: "image", Used: 450, Limit: 500, Fraction: 0.9, Level: "warning",
	})

	waitFor(t, func() bool { return len(ch.get()) == 1 })
	msg := ch.get()[0]
	for _, want := range []string{"warning", "alpha", "450", "500", "image"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestDispatcher_DeliversStreakAndPublishedAlerts(t *testing.T) {
	eventBus := bus.New()
	ch := &recordingChannel{}
	NewDispatcher(eventBus, []Channel{ch}, nil).Start(context.Background())
	waitFor(t, func() bool { return eventBus.SubscriberCount() == 3 })

	eventBus.Publish(bus.TopicWorkerFailureStreak, bus.WorkerFailureStreak{
		WorkerID: "w1", Streak: 5, LastTask: "t9", LastErr: "boom",
	})
	eventBus.Publish(bus.TopicTaskPublished, bus.TaskStateChanged{
		TaskID: "t1", ChannelID: "alpha", NewStatus: "PUBLISHED",
	})

	waitFor(t, func() bool { return len(ch.get()) == 2 })
	msgs := strings.Join(ch.get(), "\n")
	if !strings.Contains(msgs, "w1") || !strings.Contains(msgs, "boom") {
		t.Fatalf("streak alert missing: %q", msgs)
	}
	if !strings.Contains(msgs, "published") {
		t.Fatalf("published alert missing: %q", msgs)
	}
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	eventBus := bus.New()
	ch := &recordingChannel{failures: 1}
	NewDispatcher(eventBus, []Channel{ch}, nil).Start(context.Background())
	waitFor(t, func() bool { return eventBus.SubscriberCount() == 3 })

	eventBus.Publish(bus.TopicQuotaThreshold, bus.QuotaThreshold{
		ChannelID: "alpha", Resource: "tts", Used: 100, Limit: 100, Fraction: 1, Level: "critical",
	})

	waitFor(t, func() bool { return len(ch.get()) == 1 })
}

func TestDispatcher_NoChannelsIsInert(t *testing.T) {
	eventBus := bus.New()
	NewDispatcher(eventBus, nil, nil).Start(context.Background())
	if eventBus.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0", eventBus.SubscriberCount())
	}
}
