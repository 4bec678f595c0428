// Package bus fans task, approval and guardrail notifications out to
// in-process listeners: the websocket feed, approval waiters and tests.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// queueDepth bounds each listener's backlog. A listener that falls this far
// behind loses events rather than stalling the publisher.
const queueDepth = 100

// Event is a single notification. Payload is one of the *Event structs in
// topics.go, keyed by Topic.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because Ch was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is safe for concurrent use. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

func New() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}, now: time.Now}
}

// Subscribe registers a listener for topics beginning with prefix ("" for all,
// "task." for the task lifecycle, and so on).
func (b *Bus) Subscribe(prefix string) *Subscription {
	sub := &Subscription{prefix: prefix, ch: make(chan Event, queueDepth)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls and nil are
// no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish never blocks: a listener whose queue is full misses the event and
// its Dropped counter goes up.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount is used by health output and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
