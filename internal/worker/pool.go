// Package worker runs a fixed number of slots that claim jobs from the queue
// and hand them to a Processor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"vodpipeline/internal/jobs"
	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = time.Second
	minHeartbeat        = 10 * time.Millisecond
	settleTimeout       = 10 * time.Second
)

// Processor executes one claimed job and returns its result URL.
type Processor interface {
	Process(ctx context.Context, job jobs.Job) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job jobs.Job) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, job jobs.Job) (string, error) {
	return f(ctx, job)
}

type Config struct {
	Queue     jobs.Queue
	Processor Processor
	// Workers is the number of concurrent slots. Defaults to 4.
	Workers int
	// PollInterval is how long an idle slot waits before claiming again.
	PollInterval time.Duration
	// HeartbeatInterval overrides the lease extension period, which is
	// otherwise a third of the lease granted at claim time.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Pool is a static set of slots. Start it once; Shutdown stops claiming and
// waits for in-flight jobs.
type Pool struct {
	queue     jobs.Queue
	processor Processor
	workers   int
	poll      time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder

	// claimCtx stops the claim loops; runCtx aborts in-flight jobs.
	claimCtx   context.Context
	stopClaims context.CancelFunc
	runCtx     context.Context
	abortRuns  context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	inFlight map[string]struct{}
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("worker: processor is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	claimCtx, stopClaims := context.WithCancel(context.Background())
	runCtx, abortRuns := context.WithCancel(context.Background())
	return &Pool{
		queue:      cfg.Queue,
		processor:  cfg.Processor,
		workers:    workers,
		poll:       poll,
		heartbeat:  cfg.HeartbeatInterval,
		logger:     logger,
		metrics:    recorder,
		claimCtx:   claimCtx,
		stopClaims: stopClaims,
		runCtx:     runCtx,
		abortRuns:  abortRuns,
		inFlight:   make(map[string]struct{}),
	}, nil
}

// Workers reports the pool size.
func (p *Pool) Workers() int { return p.workers }

// InFlight returns the ids of jobs currently being processed.
func (p *Pool) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.slot(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Shutdown stops claiming and waits for in-flight jobs. If ctx ends first the
// remaining jobs are aborted and their leases are left to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopClaims()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.abortRuns()
		return nil
	case <-ctx.Done():
		p.abortRuns()
		select {
		case <-done:
		case <-time.After(settleTimeout):
		}
		return ctx.Err()
	}
}

func (p *Pool) slot(index int) {
	defer p.wg.Done()
	logger := p.logger.With("slot", index)
	for {
		lease, err := jobs.WaitForJob(p.claimCtx, p.queue, p.poll)
		if err != nil {
			if p.claimCtx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			select {
			case <-p.claimCtx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		p.run(logger, lease)
	}
}

func (p *Pool) run(logger *slog.Logger, lease jobs.Lease) {
	job := lease.Job
	p.begin(job.ID)
	defer p.finish(job.ID)

	ctx := logging.ContextWithJob(p.runCtx, job.ID, job.VideoID)
	logger = logging.WithContext(ctx, logger)
	logger.Info("job claimed", "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "source", job.SourceKey)
	p.metrics.JobStarted()

	stopHeartbeat := p.startHeartbeat(ctx, logger, lease)
	url, err := p.process(ctx, job)
	stopHeartbeat()

	if p.runCtx.Err() != nil {
		p.metrics.JobAbandoned()
		logger.Warn("job aborted by shutdown; lease left to expire", "error", err)
		return
	}

	// Settle with a fresh context so a slow Process cannot strand the job.
	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err == nil {
		if _, ackErr := p.queue.Ack(settleCtx, lease, url); ackErr != nil {
			p.metrics.JobFailed(false)
			logger.Error("failed to acknowledge job", "error", ackErr)
			return
		}
		p.metrics.JobCompleted()
		logger.Info("job completed", "url", url)
		return
	}

	updated, failErr := p.queue.Fail(settleCtx, lease, err)
	if failErr != nil {
		p.metrics.JobFailed(false)
		logger.Error("failed to record job failure", "error", failErr, "failure", err)
		return
	}
	terminal := updated.Status == jobs.StatusFailed
	p.metrics.JobFailed(terminal)
	if terminal {
		logger.Error("job failed permanently", "attempts", updated.Attempts, "error", err)
		return
	}
	logger.Warn("job attempt failed; retry scheduled",
		"attempt", updated.Attempts,
		"retry_at", updated.AvailableAt,
		"error", err,
	)
}

// process runs the processor and converts a panic into an error.
func (p *Pool) process(ctx context.Context, job jobs.Job) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.processor.Process(ctx, job)
}

// startHeartbeat extends the lease periodically until the returned func is
// called.
func (p *Pool) startHeartbeat(ctx context.Context, logger *slog.Logger, lease jobs.Lease) func() {
	interval := p.heartbeat
	if interval <= 0 {
		interval = time.Until(lease.ExpiresAt) / 3
	}
	if interval < minHeartbeat {
		interval = minHeartbeat
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(ctx, &lease); err != nil {
					if errors.Is(err, jobs.ErrLeaseLost) {
						logger.Warn("lease lost while processing", "error", err)
						return
					}
					logger.Warn("lease extension failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (p *Pool) begin(id string) {
	p.mu.Lock()
	p.inFlight[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) finish(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
