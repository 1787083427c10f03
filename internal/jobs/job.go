// Package jobs implements the durable transcode work queue.
//
// A job moves through Waiting -> Active -> {Completed, Waiting, Failed}.
// Claims are leased: a worker that disappears without acking or failing loses
// the lease when it expires and the job becomes claimable again. The expired
// attempt still counts toward MaxAttempts.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	DefaultLease       = 10 * time.Minute

	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// BackoffPolicy decides how long a failed job waits before it is claimable
// again.
type BackoffPolicy struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// After returns the delay to apply once attempt has failed. Attempts are
// numbered from 1, so the first retry waits Delay, the second 2*Delay and so on
// for the exponential policy.
func (b BackoffPolicy) After(attempt int) time.Duration {
	base := b.Delay
	if base <= 0 {
		base = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == BackoffFixed {
		return base
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return base * time.Duration(1<<uint(shift))
}

func (b BackoffPolicy) normalize() (BackoffPolicy, error) {
	b.Type = strings.ToLower(strings.TrimSpace(b.Type))
	switch b.Type {
	case "":
		b.Type = BackoffExponential
	case BackoffExponential, BackoffFixed:
	default:
		return b, fmt.Errorf("unsupported backoff type %q", b.Type)
	}
	if b.Delay < 0 {
		return b, fmt.Errorf("backoff delay must not be negative")
	}
	if b.Delay == 0 {
		b.Delay = DefaultBackoff
	}
	return b, nil
}

// Job is the queue's record of one transcode request.
type Job struct {
	ID             string        `json:"id"`
	VideoID        string        `json:"videoId"`
	SourceKey      string        `json:"sourceStorageKey"`
	Attempts       int           `json:"attemptCount"`
	MaxAttempts    int           `json:"maxAttempts"`
	Backoff        BackoffPolicy `json:"backoff"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	AvailableAt    time.Time     `json:"availableAt"`
	LeaseExpiresAt time.Time     `json:"leaseExpiresAt,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	ResultURL      string        `json:"resultUrl,omitempty"`
}

// Lease grants exclusive execution rights for one attempt of a job.
type Lease struct {
	Job       Job
	Token     string
	ExpiresAt time.Time
}

// EnqueueRequest describes a new job. Zero values take the queue defaults.
type EnqueueRequest struct {
	VideoID     string
	SourceKey   string
	MaxAttempts int
	Backoff     BackoffPolicy
}

func (r EnqueueRequest) normalize() (EnqueueRequest, error) {
	out, err := r.validate()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

func (r EnqueueRequest) validate() (EnqueueRequest, error) {
	r.VideoID = strings.TrimSpace(r.VideoID)
	r.SourceKey = strings.TrimSpace(r.SourceKey)
	if r.VideoID == "" {
		return r, fmt.Errorf("videoId is required")
	}
	if r.SourceKey == "" {
		return r, fmt.Errorf("source storage key is required")
	}
	if r.MaxAttempts < 0 {
		return r, fmt.Errorf("attempts must not be negative")
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	backoff, err := r.Backoff.normalize()
	if err != nil {
		return r, err
	}
	r.Backoff = backoff
	return r, nil
}

// Counts summarises queue depth.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
}

// Queue is the work queue contract shared by the Redis and in-memory drivers.
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Job, error)
	// Claim leases the next ready job or returns ErrNoJob.
	Claim(ctx context.Context) (Lease, error)
	// Extend pushes the lease expiry forward and updates lease.ExpiresAt.
	Extend(ctx context.Context, lease *Lease) error
	Ack(ctx context.Context, lease Lease, resultURL string) (Job, error)
	// Fail re-queues the job with backoff or marks it Failed once attempts
	// are exhausted. The returned job reflects the new state.
	Fail(ctx context.Context, lease Lease, cause error) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Observer receives a copy of a job after every state transition.
type Observer interface {
	JobTransition(ctx context.Context, job Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, job Job)

func (f ObserverFunc) JobTransition(ctx context.Context, job Job) { f(ctx, job) }

// WaitForJob polls q until a job is claimed or ctx is done.
func WaitForJob(ctx context.Context, q Queue, poll time.Duration) (Lease, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		lease, err := q.Claim(ctx)
		if err == nil {
			return lease, nil
		}
		if !IsNoJob(err) {
			return Lease{}, err
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// maxErrorLength caps the stored failure reason in bytes.
const maxErrorLength = 1024

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
