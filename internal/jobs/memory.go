package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options holds the settings shared by every queue driver.
type Options struct {
	Lease    time.Duration
	Logger   *slog.Logger
	Observer Observer
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type memoryEntry struct {
	job   Job
	token string
	seq   uint64
}

// MemoryQueue keeps jobs in process memory. It is used in tests and for
// single-process development runs; nothing survives a restart.
type MemoryQueue struct {
	opts Options

	mu     sync.Mutex
	jobs   map[string]*memoryEntry
	seq    uint64
	closed bool
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{opts: opts.withDefaults(), jobs: make(map[string]*memoryEntry)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	req, err := req.normalize()
	if err != nil {
		return Job{}, queueErr("enqueue", "", err)
	}
	now := q.opts.Now().UTC()
	job := Job{
		ID:          uuid.NewString(),
		VideoID:     req.VideoID,
		SourceKey:   req.SourceKey,
		MaxAttempts: req.MaxAttempts,
		Backoff:     req.Backoff,
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, queueErr("enqueue", "", ErrClosed)
	}
	q.seq++
	q.jobs[job.ID] = &memoryEntry{job: job, seq: q.seq}
	q.mu.Unlock()

	q.notify(ctx, job)
	return job, nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (Lease, error) {
	now := q.opts.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Lease{}, queueErr("claim", "", ErrClosed)
	}
	reaped := q.reapLocked(now)

	var ready []*memoryEntry
	for _, entry := range q.jobs {
		if entry.job.Status == StatusWaiting && !entry.job.AvailableAt.After(now) {
			ready = append(ready, entry)
		}
	}
	if len(ready) == 0 {
		q.mu.Unlock()
		q.notifyAll(ctx, reaped)
		return Lease{}, ErrNoJob
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i].job.AvailableAt, ready[j].job.AvailableAt
		if a.Equal(b) {
			return ready[i].seq < ready[j].seq
		}
		return a.Before(b)
	})

	entry := ready[0]
	entry.token = uuid.NewString()
	entry.job.Status = StatusActive
	entry.job.Attempts++
	entry.job.UpdatedAt = now
	entry.job.LeaseExpiresAt = now.Add(q.opts.Lease)
	lease := Lease{Job: entry.job, Token: entry.token, ExpiresAt: entry.job.LeaseExpiresAt}
	q.mu.Unlock()

	q.notifyAll(ctx, reaped)
	q.notify(ctx, lease.Job)
	return lease, nil
}

// reapLocked returns expired active jobs to Waiting, or to Failed when their
// attempts are exhausted.
func (q *MemoryQueue) reapLocked(now time.Time) []Job {
	var changed []Job
	for _, entry := range q.jobs {
		if entry.job.Status != StatusActive || entry.job.LeaseExpiresAt.After(now) {
			continue
		}
		entry.token = ""
		entry.job.LeaseExpiresAt = time.Time{}
		entry.job.LastError = "lease expired"
		entry.job.UpdatedAt = now
		if entry.job.Attempts >= entry.job.MaxAttempts {
			entry.job.Status = StatusFailed
		} else {
			entry.job.Status = StatusWaiting
			entry.job.AvailableAt = now
		}
		changed = append(changed, entry.job)
		q.opts.Logger.Warn("lease expired", "job_id", entry.job.ID, "attempt", entry.job.Attempts, "status", entry.job.Status)
	}
	return changed
}

func (q *MemoryQueue) held(lease Lease) (*memoryEntry, error) {
	entry, ok := q.jobs[lease.Job.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.job.Status != StatusActive || entry.token == "" || entry.token != lease.Token {
		return nil, ErrLeaseLost
	}
	return entry, nil
}

func (q *MemoryQueue) Extend(ctx context.Context, lease *Lease) error {
	now := q.opts.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.held(*lease)
	if err != nil {
		return queueErr("extend", lease.Job.ID, err)
	}
	entry.job.LeaseExpiresAt = now.Add(q.opts.Lease)
	lease.ExpiresAt = entry.job.LeaseExpiresAt
	lease.Job.LeaseExpiresAt = entry.job.LeaseExpiresAt
	return nil
}

func (q *MemoryQueue) Ack(ctx context.Context, lease Lease, resultURL string) (Job, error) {
	now := q.opts.Now().UTC()
	q.mu.Lock()
	entry, err := q.held(lease)
	if err != nil {
		q.mu.Unlock()
		return Job{}, queueErr("ack", lease.Job.ID, err)
	}
	entry.token = ""
	entry.job.Status = StatusCompleted
	entry.job.ResultURL = resultURL
	entry.job.LastError = ""
	entry.job.LeaseExpiresAt = time.Time{}
	entry.job.UpdatedAt = now
	job := entry.job
	q.mu.Unlock()

	q.notify(ctx, job)
	return job, nil
}

func (q *MemoryQueue) Fail(ctx context.Context, lease Lease, cause error) (Job, error) {
	now := q.opts.Now().UTC()
	q.mu.Lock()
	entry, err := q.held(lease)
	if err != nil {
		q.mu.Unlock()
		return Job{}, queueErr("fail", lease.Job.ID, err)
	}
	entry.token = ""
	entry.job.LastError = errorMessage(cause)
	entry.job.LeaseExpiresAt = time.Time{}
	entry.job.UpdatedAt = now
	if entry.job.Attempts >= entry.job.MaxAttempts {
		entry.job.Status = StatusFailed
	} else {
		entry.job.Status = StatusWaiting
		entry.job.AvailableAt = now.Add(entry.job.Backoff.After(entry.job.Attempts))
	}
	job := entry.job
	q.mu.Unlock()

	q.notify(ctx, job)
	return job, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[id]
	if !ok {
		return Job{}, queueErr("get", id, ErrNotFound)
	}
	return entry.job, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, entry := range q.jobs {
		switch entry.job.Status {
		case StatusWaiting:
			c.Waiting++
		case StatusActive:
			c.Active++
		}
	}
	return c, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) notify(ctx context.Context, job Job) {
	if q.opts.Observer != nil {
		q.opts.Observer.JobTransition(ctx, job)
	}
}

func (q *MemoryQueue) notifyAll(ctx context.Context, jobs []Job) {
	for _, job := range jobs {
		q.notify(ctx, job)
	}
}
