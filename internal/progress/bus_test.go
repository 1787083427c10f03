package progress

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"vodpipeline/internal/observability/metrics"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestClampPercent(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{-3, 0}, {0, 0}, {49.9, 49}, {100, 100}, {130.2, 100}, {math.NaN(), 0},
	}
	for _, tc := range cases {
		if got := ClampPercent(tc.in); got != tc.want {
			t.Fatalf("ClampPercent(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if p := Percent(55.5); p == nil || *p != 55 {
		t.Fatalf("unexpected percent pointer %v", p)
	}
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(1, metrics.New())
	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(context.Background(), Event{VideoID: "v1", Status: StatusStarted})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked without subscribers")
	}
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewMemoryBus(1, metrics.New())
	sub, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, Event{VideoID: "v1", Status: StatusInProgress, Percent: Percent(float64(i))}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	first := receive(t, sub)
	if first.Percent == nil || *first.Percent != 0 {
		t.Fatalf("expected first event to survive, got %+v", first)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected later events to be dropped, got %+v", extra)
	default:
	}
}

func TestMemoryBusRejectsInvalidEvents(t *testing.T) {
	bus := NewMemoryBus(1, metrics.New())
	if err := bus.Publish(context.Background(), Event{Status: StatusStarted}); err == nil {
		t.Fatal("expected error without videoId")
	}
	if err := bus.Publish(context.Background(), Event{VideoID: "v1"}); err == nil {
		t.Fatal("expected error without status")
	}
}

func TestMemoryBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewMemoryBus(4, metrics.New())
	sub, _ := bus.Subscribe(context.Background())
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	sub.Close()
	if _, err := bus.Subscribe(context.Background()); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

func TestRedisBusDeliversAcrossClients(t *testing.T) {
	srv := miniredis.RunT(t)
	publisherClient := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	subscriberClient := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = publisherClient.Close()
		_ = subscriberClient.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher, err := NewRedisBus(publisherClient, RedisBusConfig{Logger: logger, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	subscriber, err := NewRedisBus(subscriberClient, RedisBusConfig{Logger: logger, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}

	ctx := context.Background()
	sub, err := subscriber.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := Event{VideoID: "v1", JobID: "j1", Resolution: "240p", Status: StatusInProgress, Percent: Percent(50), Timestamp: time.Now().UTC()}
	if err := publisher.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, sub)
	if got.VideoID != "v1" || got.Resolution != "240p" || got.Percent == nil || *got.Percent != 50 {
		t.Fatalf("unexpected event %+v", got)
	}

	sub.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to close after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}
