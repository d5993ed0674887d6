// Package eventbus fans state-change notifications out to every currently
// attached observer. There is no per-observer queue beyond a small buffer and
// no replay: an observer that is not subscribed when an event is published
// never sees it.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"changedesk/internal/logging"
	"changedesk/internal/protocol"
)

const defaultBuffer = 64

// Publisher is what mutating components depend on.
type Publisher interface {
	Publish(topic, taskID string, payload map[string]any) protocol.Message
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    atomic.Uint64
	closed bool
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   map[uint64]*Subscription{},
		logger: logging.OrDiscard(logger).With("module", "eventbus"),
	}
}

type Subscription struct {
	id      uint64
	ch      chan protocol.Message
	bus     *Bus
	once    sync.Once
	dropped atomic.Uint64
}

// C delivers events until the subscription ends; it is then closed.
func (s *Subscription) C() <-chan protocol.Message { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}

// Subscribe attaches a new observer. A closed bus returns an already-closed
// subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan protocol.Message, buffer), bus: b}
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps the event with the next bus-wide sequence id and offers it to
// every subscriber without blocking.
func (b *Bus) Publish(topic, taskID string, payload map[string]any) protocol.Message {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if taskID != "" {
		out["task_id"] = taskID
	}
	evt := protocol.Message{
		ID:      fmt.Sprintf("evt_%d", b.seq.Add(1)),
		Type:    protocol.TypeEvent,
		Op:      topic,
		Payload: protocol.MustRaw(out),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return evt
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, event dropped", "topic", topic, "event_id", evt.ID, "subscriber", sub.id)
		}
	}
	return evt
}

// Close ends every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		sub.once.Do(func() {})
		delete(b.subs, id)
	}
}
