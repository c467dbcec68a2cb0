package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/relay/internal/metrics"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	reliable  bool
	ch        chan Event
	done      chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

func stamp(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return evt
}

func (b *Bus) matching(kind string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, sub := range b.subs {
		if strings.HasPrefix(kind, sub.namespace) {
			out = append(out, sub)
		}
	}
	return out
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Slow subscribers lose the event.
func (b *Bus) Publish(evt Event) {
	evt = stamp(evt)
	for _, sub := range b.matching(evt.Kind) {
		offer(sub, evt)
	}
}

func offer(sub *subscription, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		metrics.BusDropped.WithLabelValues(sub.namespace).Inc()
	}
}

// PublishWait is like Publish but blocks until every matching reliable
// subscriber has accepted the event, the subscriber goes away, or ctx is
// done. Other subscribers are offered the event without blocking. Used for
// events that must not be dropped, such as inbound chat messages.
func (b *Bus) PublishWait(ctx context.Context, evt Event) error {
	evt = stamp(evt)
	var reliable []*subscription
	for _, sub := range b.matching(evt.Kind) {
		if sub.reliable {
			reliable = append(reliable, sub)
			continue
		}
		offer(sub, evt)
	}
	for _, sub := range reliable {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, false)
}

// SubscribeReliable is like Subscribe, but PublishWait waits for the
// subscriber to take each event. Only consumers that must see every event,
// such as the relay engine, should use it.
func (b *Bus) SubscribeReliable(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, true)
}

func (b *Bus) subscribe(namespace string, bufSize int, reliable bool) (<-chan Event, func()) {
	sub := &subscription{
		namespace: namespace,
		reliable:  reliable,
		ch:        make(chan Event, bufSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}
