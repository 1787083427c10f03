// Package encode turns one queued job into a published HLS rendition set.
package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"vodpipeline/internal/jobs"
	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
	"vodpipeline/internal/progress"
	"vodpipeline/internal/scratch"
	"vodpipeline/internal/storage"
)

// Config wires an Orchestrator.
type Config struct {
	Store   storage.ObjectStore
	Bus     progress.Bus
	Engine  Engine
	Prober  Prober
	Scratch *scratch.Manager
	Ladder  Ladder
	// UploadParallelism bounds concurrent object uploads per job.
	UploadParallelism int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Orchestrator runs fetch, probe, parallel ladder encode, manifest, upload
// and cleanup for one job.
type Orchestrator struct {
	store   storage.ObjectStore
	bus     progress.Bus
	engine  Engine
	prober  Prober
	scratch *scratch.Manager
	ladder  Ladder
	uploads int
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("object store is required")
	case cfg.Bus == nil:
		return nil, errors.New("progress bus is required")
	case cfg.Engine == nil:
		return nil, errors.New("engine is required")
	case cfg.Scratch == nil:
		return nil, errors.New("scratch manager is required")
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	if cfg.UploadParallelism <= 0 {
		cfg.UploadParallelism = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Orchestrator{
		store:   cfg.Store,
		bus:     cfg.Bus,
		engine:  cfg.Engine,
		prober:  cfg.Prober,
		scratch: cfg.Scratch,
		ladder:  append(Ladder(nil), ladder...),
		uploads: cfg.UploadParallelism,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Process encodes job and returns the public URL of its master playlist.
// Any error means nothing was left published; a job-level failed event has
// been sent by the time it returns.
func (o *Orchestrator) Process(ctx context.Context, job jobs.Job) (string, error) {
	ctx = logging.ContextWithJob(ctx, job.ID, job.VideoID)
	logger := logging.WithContext(ctx, o.logger)

	url, err := o.process(ctx, logger, job)
	if err != nil {
		o.publish(ctx, logger, progress.Event{
			VideoID: job.VideoID,
			JobID:   job.ID,
			Status:  progress.StatusFailed,
			Message: err.Error(),
		})
		return "", err
	}
	o.publish(ctx, logger, progress.Event{
		VideoID: job.VideoID,
		JobID:   job.ID,
		Status:  progress.StatusComplete,
		Percent: progress.Percent(100),
		URL:     url,
	})
	return url, nil
}

func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, job jobs.Job) (string, error) {
	ws, err := o.scratch.Acquire(job.ID, job.Attempts)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn("failed to clean up workspace", "dir", ws.Dir, "error", err)
		}
	}()

	source := ws.Path("source" + path.Ext(job.SourceKey))
	size, err := o.fetch(ctx, job.SourceKey, source)
	if err != nil {
		return "", &FetchError{Key: job.SourceKey, Err: err}
	}
	logger.Info("fetched source", "key", job.SourceKey, "size", humanize.Bytes(uint64(size)))

	var info SourceInfo
	if o.prober != nil {
		info, err = o.prober.Probe(ctx, source)
		if err != nil {
			return "", &ProbeError{Err: err}
		}
		if err := info.Validate(); err != nil {
			return "", &ProbeError{Err: err}
		}
		logger.Info("probed source",
			"duration", HumanDuration(info.Duration),
			"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		)
	}

	outDir := ws.OutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &ManifestError{Err: err}
	}

	manifest := &Manifest{}
	if err := o.encodeLadder(ctx, logger, job, source, outDir, info.Duration, manifest); err != nil {
		return "", err
	}

	if _, err := manifest.WriteFile(outDir, storage.MasterManifestName); err != nil {
		return "", &ManifestError{Err: err}
	}

	folder := storage.OutputFolder(job.SourceKey, job.VideoID, job.ID)
	if folder == "" {
		return "", &UploadError{Prefix: storage.TranscodedPrefix, Err: errors.New("no usable output folder for source")}
	}
	prefix := storage.OutputPrefix(folder)
	existing := o.existingKeys(ctx, logger, prefix)
	result, err := storage.UploadDir(ctx, o.store, outDir, prefix, o.uploads)
	o.metrics.ObserveUpload(result.Bytes)
	if err != nil {
		o.rollback(logger, result.Keys, existing)
		return "", &UploadError{Prefix: prefix, Uploaded: len(result.Keys), Err: err}
	}
	logger.Info("uploaded renditions",
		"prefix", prefix,
		"objects", len(result.Keys),
		"size", humanize.Bytes(uint64(result.Bytes)),
	)
	return o.store.PublicURL(storage.MasterKey(prefix)), nil
}

// existingKeys lists what is already published under prefix. Another source
// with the same base name shares the folder, and a rollback must not delete
// its objects.
func (o *Orchestrator) existingKeys(ctx context.Context, logger *slog.Logger, prefix string) map[string]struct{} {
	keys, err := o.store.List(ctx, prefix+"/")
	if err != nil {
		logger.Warn("failed to list existing outputs", "prefix", prefix, "error", err)
		return nil
	}
	existing := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		existing[key] = struct{}{}
	}
	return existing
}

func (o *Orchestrator) fetch(ctx context.Context, key, dest string) (int64, error) {
	rc, err := o.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, rc)
	closeErr := f.Close()
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

// encodeLadder runs every rung at once and waits for all of them. A failed
// rung does not cancel its siblings; their output is discarded with the
// workspace.
func (o *Orchestrator) encodeLadder(ctx context.Context, logger *slog.Logger, job jobs.Job, source, outDir string, duration time.Duration, manifest *Manifest) error {
	var g errgroup.Group
	for _, rung := range o.ladder {
		rung := rung
		g.Go(func() error {
			return o.encodeRung(ctx, logger, job, EncodeRequest{
				JobID:     job.ID,
				Input:     source,
				OutputDir: outDir,
				Rung:      rung,
				Duration:  duration,
			}, manifest)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) encodeRung(ctx context.Context, logger *slog.Logger, job jobs.Job, req EncodeRequest, manifest *Manifest) error {
	name := req.Rung.Name
	event := func(status progress.Status, percent *int, message string) progress.Event {
		return progress.Event{
			VideoID:    job.VideoID,
			JobID:      job.ID,
			Resolution: name,
			Status:     status,
			Percent:    percent,
			Message:    message,
		}
	}

	o.publish(ctx, logger, event(progress.StatusStarted, progress.Percent(0), ""))
	start := o.now()
	err := o.engine.Encode(ctx, req, func(p float64) {
		o.publish(ctx, logger, event(progress.StatusInProgress, progress.Percent(p), ""))
	})
	o.metrics.ObserveEncodeRun(name, err == nil, o.now().Sub(start))
	if err != nil {
		logger.Error("encode failed", "resolution", name, "error", err)
		o.publish(ctx, logger, event(progress.StatusFailed, nil, err.Error()))
		return &EngineError{Resolution: name, Err: err}
	}

	manifest.Append(req.Rung)
	o.publish(ctx, logger, event(progress.StatusFinished, progress.Percent(100), ""))
	logger.Info("encode finished", "resolution", name, "elapsed", o.now().Sub(start).Round(time.Millisecond))
	return nil
}

// rollback deletes objects written by a failed upload so no partial ladder
// stays published. Keys present before the upload belong to an earlier
// publish and are kept.
func (o *Orchestrator) rollback(logger *slog.Logger, keys []string, existing map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if _, ok := existing[key]; ok {
			logger.Warn("upload overwrote an existing object, keeping it", "key", key)
			continue
		}
		if err := o.store.Delete(ctx, key); err != nil {
			logger.Warn("failed to delete partial upload", "key", key, "error", err)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, event progress.Event) {
	event.Timestamp = o.now().UTC()
	if err := o.bus.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish progress", "status", event.Status, "resolution", event.Resolution, "error", err)
	}
}
