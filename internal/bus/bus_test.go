package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	quotaSub := b.Subscribe("quota.")
	defer b.Unsubscribe(quotaSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicQuotaThreshold, QuotaThreshold{ChannelID: "alpha"})
	b.Publish(TopicTaskStateChanged, TaskStateChanged{TaskID: "t1"})

	select {
	case event := <-quotaSub.Ch():
		if event.Topic != TopicQuotaThreshold {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicQuotaThreshold)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for quota event")
	}

	// quotaSub must not see the task topic.
	select {
	case event := <-quotaSub.Ch():
		t.Fatalf("unexpected event on quotaSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity; Publish must never block.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.event", i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
			}
			return
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("task.state_changed", TaskStateChanged{TaskID: "t"})
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		select {
		case <-sub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d events", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("x")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
