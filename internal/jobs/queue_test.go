package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []Status
}

func (o *recordingObserver) JobTransition(_ context.Context, job Job) {
	o.mu.Lock()
	o.statuses = append(o.statuses, job.Status)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Status(nil), o.statuses...)
}

type queueFactory func(t *testing.T, opts Options) Queue

func queueDrivers() map[string]queueFactory {
	return map[string]queueFactory{
		"memory": func(t *testing.T, opts Options) Queue {
			return NewMemoryQueue(opts)
		},
		"redis": func(t *testing.T, opts Options) Queue {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			q, err := NewRedisQueue(client, "test:jobs", opts)
			if err != nil {
				t.Fatalf("create queue: %v", err)
			}
			return q
		},
	}
}

func testOptions(clock *fakeClock, observer Observer) Options {
	return Options{
		Lease:    time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: observer,
		Now:      clock.Now,
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, newQueue queueFactory)) {
	for name, factory := range queueDrivers() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

func mustEnqueue(t *testing.T, q Queue, req EnqueueRequest) Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, q Queue) Lease {
	t.Helper()
	lease, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return lease
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		q := newQueue(t, testOptions(newFakeClock(), nil))
		job := mustEnqueue(t, q, EnqueueRequest{VideoID: "v1", SourceKey: "raw_videos/t1.mp4"})

		got, err := q.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusWaiting || got.MaxAttempts != DefaultMaxAttempts {
			t.Fatalf("unexpected job %+v", got)
		}
		if got.Backoff.Type != BackoffExponential || got.Backoff.Delay != DefaultBackoff {
			t.Fatalf("unexpected backoff %+v", got.Backoff)
		}
		if got.VideoID != "v1" || got.SourceKey != "raw_videos/t1.mp4" {
			t.Fatalf("unexpected identifiers %+v", got)
		}
	})
}

func TestEnqueueValidates(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		q := newQueue(t, testOptions(newFakeClock(), nil))
		cases := []EnqueueRequest{
			{SourceKey: "raw_videos/a.mp4"},
			{VideoID: "v1"},
			{VideoID: "v1", SourceKey: "k", Backoff: BackoffPolicy{Type: "linear"}},
			{VideoID: "v1", SourceKey: "k", MaxAttempts: -1},
		}
		for _, req := range cases {
			_, err := q.Enqueue(context.Background(), req)
			var qe *QueueError
			if !errors.As(err, &qe) {
				t.Fatalf("expected QueueError for %+v, got %v", req, err)
			}
		}
	})
}

func TestClaimAckCompletesJob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		observer := &recordingObserver{}
		q := newQueue(t, testOptions(newFakeClock(), observer))
		ctx := context.Background()

		if _, err := q.Claim(ctx); !IsNoJob(err) {
			t.Fatalf("expected ErrNoJob on empty queue, got %v", err)
		}

		job := mustEnqueue(t, q, EnqueueRequest{VideoID: "v1", SourceKey: "raw_videos/t1.mp4"})
		lease := mustClaim(t, q)
		if lease.Job.ID != job.ID || lease.Job.Attempts != 1 || lease.Job.Status != StatusActive {
			t.Fatalf("unexpected lease %+v", lease.Job)
		}

		done, err := q.Ack(ctx, lease, "https://cdn/master.m3u8")
		if err != nil {
			t.Fatalf("ack: %v", err)
		}
		if done.Status != StatusCompleted || done.ResultURL != "https://cdn/master.m3u8" {
			t.Fatalf("unexpected completed job %+v", done)
		}
		if _, err := q.Ack(ctx, lease, "again"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost on double ack, got %v", err)
		}

		want := []Status{StatusWaiting, StatusActive, StatusCompleted}
		got := observer.snapshot()
		if len(got) != len(want) {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected transitions %v, got %v", want, got)
			}
		}
	})
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		clock := newFakeClock()
		q := newQueue(t, testOptions(clock, nil))
		ctx := context.Background()
		job := mustEnqueue(t, q, EnqueueRequest{
			VideoID:     "v1",
			SourceKey:   "raw_videos/t1.mp4",
			MaxAttempts: 3,
			Backoff:     BackoffPolicy{Type: BackoffExponential, Delay: 5 * time.Second},
		})

		var lastDelay time.Duration
		for attempt := 1; attempt <= 2; attempt++ {
			lease := mustClaim(t, q)
			failedAt := clock.Now()
			got, err := q.Fail(ctx, lease, errors.New("encoder exited 1"))
			if err != nil {
				t.Fatalf("fail attempt %d: %v", attempt, err)
			}
			if got.Status != StatusWaiting {
				t.Fatalf("attempt %d: expected waiting, got %s", attempt, got.Status)
			}
			delay := got.AvailableAt.Sub(failedAt)
			if want := 5 * time.Second << (attempt - 1); delay != want {
				t.Fatalf("attempt %d: expected delay %s, got %s", attempt, want, delay)
			}
			if delay < lastDelay {
				t.Fatalf("delay decreased from %s to %s", lastDelay, delay)
			}
			lastDelay = delay

			if _, err := q.Claim(ctx); !IsNoJob(err) {
				t.Fatalf("attempt %d: job claimable before backoff elapsed: %v", attempt, err)
			}
			clock.Advance(delay)
		}

		lease := mustClaim(t, q)
		if lease.Job.Attempts != 3 {
			t.Fatalf("expected third attempt, got %d", lease.Job.Attempts)
		}
		got, err := q.Fail(ctx, lease, errors.New("encoder exited 1"))
		if err != nil {
			t.Fatalf("final fail: %v", err)
		}
		if got.Status != StatusFailed || got.LastError != "encoder exited 1" {
			t.Fatalf("expected terminal failure, got %+v", got)
		}

		clock.Advance(time.Hour)
		if _, err := q.Claim(ctx); !IsNoJob(err) {
			t.Fatalf("failed job must not be claimable, got %v", err)
		}
		stored, _ := q.Get(ctx, job.ID)
		if stored.Attempts != 3 {
			t.Fatalf("attempts must not exceed max, got %d", stored.Attempts)
		}
	})
}

func TestExpiredLeaseIsReclaimedOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		clock := newFakeClock()
		q := newQueue(t, testOptions(clock, nil))
		ctx := context.Background()
		mustEnqueue(t, q, EnqueueRequest{VideoID: "v1", SourceKey: "raw_videos/t1.mp4"})

		crashed := mustClaim(t, q)
		if _, err := q.Claim(ctx); !IsNoJob(err) {
			t.Fatalf("leased job must not be claimable, got %v", err)
		}

		clock.Advance(time.Minute + time.Second)

		var (
			wg      sync.WaitGroup
			claimed atomic.Int32
			leases  = make(chan Lease, 8)
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := q.Claim(ctx)
				if err == nil {
					claimed.Add(1)
					leases <- lease
				}
			}()
		}
		wg.Wait()
		close(leases)

		if claimed.Load() != 1 {
			t.Fatalf("expected exactly one reclaim, got %d", claimed.Load())
		}
		reclaimed := <-leases
		if reclaimed.Job.Attempts != 2 {
			t.Fatalf("expected attempt 2 after expiry, got %d", reclaimed.Job.Attempts)
		}
		if _, err := q.Ack(ctx, crashed, "stale"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected stale lease to be rejected, got %v", err)
		}
		if _, err := q.Ack(ctx, reclaimed, "https://cdn/master.m3u8"); err != nil {
			t.Fatalf("ack reclaimed: %v", err)
		}
	})
}

func TestExpiredLeaseExhaustsAttempts(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		clock := newFakeClock()
		q := newQueue(t, testOptions(clock, nil))
		ctx := context.Background()
		job := mustEnqueue(t, q, EnqueueRequest{VideoID: "v1", SourceKey: "k", MaxAttempts: 1})

		mustClaim(t, q)
		clock.Advance(2 * time.Minute)
		if _, err := q.Claim(ctx); !IsNoJob(err) {
			t.Fatalf("expected no job after exhausting attempts, got %v", err)
		}
		got, _ := q.Get(ctx, job.ID)
		if got.Status != StatusFailed || got.LastError != "lease expired" {
			t.Fatalf("expected failed job, got %+v", got)
		}
	})
}

func TestExtendKeepsLease(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		clock := newFakeClock()
		q := newQueue(t, testOptions(clock, nil))
		ctx := context.Background()
		mustEnqueue(t, q, EnqueueRequest{VideoID: "v1", SourceKey: "k"})

		lease := mustClaim(t, q)
		first := lease.ExpiresAt
		clock.Advance(40 * time.Second)
		if err := q.Extend(ctx, &lease); err != nil {
			t.Fatalf("extend: %v", err)
		}
		if !lease.ExpiresAt.After(first) {
			t.Fatalf("expected expiry to move forward, %s -> %s", first, lease.ExpiresAt)
		}
		clock.Advance(40 * time.Second)
		if _, err := q.Claim(ctx); !IsNoJob(err) {
			t.Fatalf("extended lease must not be reclaimed, got %v", err)
		}
		if _, err := q.Ack(ctx, lease, "url"); err != nil {
			t.Fatalf("ack after extend: %v", err)
		}
		if err := q.Extend(ctx, &lease); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost extending a finished job, got %v", err)
		}
	})
}

func TestClaimOrderFollowsAvailability(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		clock := newFakeClock()
		q := newQueue(t, testOptions(clock, nil))
		first := mustEnqueue(t, q, EnqueueRequest{VideoID: "a", SourceKey: "k"})
		clock.Advance(time.Millisecond)
		second := mustEnqueue(t, q, EnqueueRequest{VideoID: "b", SourceKey: "k"})

		if got := mustClaim(t, q).Job.ID; got != first.ID {
			t.Fatalf("expected %s first, got %s", first.ID, got)
		}
		if got := mustClaim(t, q).Job.ID; got != second.ID {
			t.Fatalf("expected %s second, got %s", second.ID, got)
		}
		counts, err := q.Counts(context.Background())
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Active != 2 || counts.Waiting != 0 {
			t.Fatalf("unexpected counts %+v", counts)
		}
	})
}

func TestGetUnknownJob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, newQueue queueFactory) {
		q := newQueue(t, testOptions(newFakeClock(), nil))
		if _, err := q.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestWaitForJobReturnsOnCancel(t *testing.T) {
	q := NewMemoryQueue(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := WaitForJob(ctx, q, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitForJobPicksUpLateEnqueue(t *testing.T) {
	q := NewMemoryQueue(Options{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), EnqueueRequest{VideoID: "v1", SourceKey: "k"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := WaitForJob(ctx, q, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if lease.Job.VideoID != "v1" {
		t.Fatalf("unexpected job %+v", lease.Job)
	}
}

func TestBackoffAfter(t *testing.T) {
	exp := BackoffPolicy{Type: BackoffExponential, Delay: 5 * time.Second}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, w := range want {
		if got := exp.After(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	fixed := BackoffPolicy{Type: BackoffFixed, Delay: time.Second}
	if got := fixed.After(4); got != time.Second {
		t.Fatalf("fixed backoff returned %s", got)
	}
	if got := (BackoffPolicy{}).After(0); got != DefaultBackoff {
		t.Fatalf("zero policy returned %s", got)
	}
}

func TestErrorMessageKeepsValidUTF8(t *testing.T) {
	cases := map[string]string{
		"split two-byte rune":  strings.Repeat("a", maxErrorLength-1) + "é",
		"split four-byte rune": strings.Repeat("a", maxErrorLength-2) + "🎬 tail",
		"invalid input":        "bad \xff byte",
		"short message":        "ffmpeg exited with status 1",
		"exactly at the limit": strings.Repeat("é", maxErrorLength/2),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			got := errorMessage(errors.New(msg))
			if !utf8.ValidString(got) {
				t.Fatalf("invalid UTF-8 in %q", got)
			}
			if len(got) > maxErrorLength {
				t.Fatalf("message is %d bytes, limit %d", len(got), maxErrorLength)
			}
		})
	}
	if got := errorMessage(errors.New(strings.Repeat("a", maxErrorLength-1) + "é")); got != strings.Repeat("a", maxErrorLength-1) {
		t.Fatalf("expected cut before the split rune, got %d bytes", len(got))
	}
	if errorMessage(nil) != "" {
		t.Fatal("nil error should have an empty message")
	}
}
