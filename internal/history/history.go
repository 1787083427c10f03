// Package history keeps an append-only log of job state transitions.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"vodpipeline/internal/jobs"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("history store closed")

// Entry is one recorded transition.
type Entry struct {
	JobID   string      `json:"jobId"`
	VideoID string      `json:"videoId"`
	Status  jobs.Status `json:"status"`
	Attempt int         `json:"attempt"`
	Error   string      `json:"error,omitempty"`
	URL     string      `json:"url,omitempty"`
	At      time.Time   `json:"at"`
}

// EntryFromJob snapshots job as a history entry.
func EntryFromJob(job jobs.Job) Entry {
	at := job.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Entry{
		JobID:   job.ID,
		VideoID: job.VideoID,
		Status:  job.Status,
		Attempt: job.Attempts,
		Error:   job.LastError,
		URL:     job.ResultURL,
		At:      at.UTC(),
	}
}

// Store persists entries. List returns a job's entries oldest first.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, jobID string) ([]Entry, error)
	Close(ctx context.Context) error
}

const defaultWriteTimeout = 5 * time.Second

// Recorder adapts a Store to jobs.Observer.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, timeout: defaultWriteTimeout}
}

// JobTransition appends job's new state. Failures are logged; the queue
// transition has already happened and is not rolled back.
func (r *Recorder) JobTransition(ctx context.Context, job jobs.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, EntryFromJob(job)); err != nil {
		r.logger.Warn("failed to record job transition",
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)
	}
}

// List proxies to the underlying store.
func (r *Recorder) List(ctx context.Context, jobID string) ([]Entry, error) {
	return r.store.List(ctx, jobID)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.JobID) == "" {
		return errors.New("history entry requires a job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[entry.JobID] = append(s.entries[entry.JobID], entry)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, jobID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := append([]Entry(nil), s.entries[jobID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
