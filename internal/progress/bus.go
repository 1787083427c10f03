package progress

import (
	"context"
	"errors"
	"sync"

	"vodpipeline/internal/observability/metrics"
)

// Bus is a best-effort broadcast channel. Publish never waits for
// subscribers: events published while nobody listens are lost, and a
// subscriber whose buffer is full misses the event. Consumers that need a
// durable record must persist events themselves.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a stream of every event published after it returns.
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription represents an active event stream. The channel is closed
// after Close or when the bus shuts down.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errBusClosed = errors.New("progress bus closed")

// MemoryBus fans events out inside a single process.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[*memorySubscription]struct{}
	buffer  int
	metrics *metrics.Recorder
	closed  bool
}

// NewMemoryBus creates a bus whose subscribers buffer up to buffer events.
func NewMemoryBus(buffer int, recorder *metrics.Recorder) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &MemoryBus{
		subs:    make(map[*memorySubscription]struct{}),
		buffer:  buffer,
		metrics: recorder,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	b.metrics.ProgressPublished(string(event.Status))
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.metrics.ProgressDropped()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	sub := &memorySubscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers reports the number of open subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

type memorySubscription struct {
	once sync.Once
	bus  *MemoryBus
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
