package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"changedesk/internal/protocol"
)

func recv(t *testing.T, sub *Subscription) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Message{}
}

func TestBus_FanOutToAllSubscribers(t *testing.T) {
	bus := New(nil)
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(protocol.TopicTaskStatus, "t1", map[string]any{"status": "processing"})

	for _, sub := range []*Subscription{a, b} {
		msg := recv(t, sub)
		if msg.Op != protocol.TopicTaskStatus || msg.Type != protocol.TypeEvent || msg.ID != "evt_1" {
			t.Fatalf("unexpected event: %+v", msg)
		}
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["task_id"] != "t1" || payload["status"] != "processing" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	}
}

func TestBus_UnsubscribedObserverMissesEvents(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(4)
	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Publish(protocol.TopicTaskCleared, "", nil)
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.SubscriberCount())
	}

	late := bus.Subscribe(4)
	select {
	case msg := <-late.C():
		t.Fatalf("late subscriber must not see earlier events, got %+v", msg)
	default:
	}
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		bus.Publish(protocol.TopicLogUpdate, "", map[string]any{"n": 1})
		bus.Publish(protocol.TopicLogUpdate, "", map[string]any{"n": 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", sub.Dropped())
	}
}

func TestBus_SequenceIsMonotonic(t *testing.T) {
	bus := New(nil)
	first := bus.Publish(protocol.TopicLogUpdate, "", nil)
	second := bus.Publish(protocol.TopicLogUpdate, "", nil)
	if first.ID != "evt_1" || second.ID != "evt_2" {
		t.Fatalf("unexpected ids %s %s", first.ID, second.ID)
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
	sub.Unsubscribe()
	after := bus.Subscribe(1)
	if _, ok := <-after.C(); ok {
		t.Fatal("subscribe after close should return a closed subscription")
	}
	bus.Publish(protocol.TopicLogUpdate, "", nil)
}
