package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"vodpipeline/internal/observability/metrics"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "video_transcoding_progress"

// RedisBusConfig configures the Redis Pub/Sub bus.
type RedisBusConfig struct {
	Channel string
	Buffer  int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// RedisBus broadcasts events across processes with Redis Pub/Sub. Pub/Sub has
// no persistence, which matches the Bus contract.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRedisBus wraps a client owned by the caller.
func NewRedisBus(client redis.UniversalClient, cfg RedisBusConfig) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		buffer:  cfg.Buffer,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.metrics.ProgressDropped()
		return fmt.Errorf("publish progress: %w", err)
	}
	b.metrics.ProgressPublished(string(event.Status))
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	sub := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.bus.logger.Warn("discarding malformed progress event", "error", err)
				continue
			}
			select {
			case s.ch <- event:
			default:
				s.bus.metrics.ProgressDropped()
			}
		}
	}
}
