package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vodpipeline/internal/api"
	"vodpipeline/internal/encode"
	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
	"vodpipeline/internal/progress"
	"vodpipeline/internal/scratch"
	"vodpipeline/internal/serverutil"
	"vodpipeline/internal/worker"
)

type serveFlags struct {
	addr              string
	metricsAddr       string
	workers           int
	pollInterval      time.Duration
	uploadParallelism int
	scratchDir        string
	scratchMaxAge     time.Duration
	sweepInterval     time.Duration
	ladderFile        string
	ffmpegBinary      string
	ffprobeBinary     string
	tlsCert           string
	tlsKey            string
	shutdownTimeout   time.Duration
	drainTimeout      time.Duration
	relayHeartbeat    time.Duration
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, progress relay and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.resolve()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.addr, "addr", "", "control API listen address")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "optional dedicated listen address for /metrics")
	fs.IntVar(&f.workers, "workers", 0, "number of jobs processed concurrently")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "how long an idle worker waits before claiming again")
	fs.IntVar(&f.uploadParallelism, "upload-parallelism", 0, "concurrent object uploads per job")
	fs.StringVar(&f.scratchDir, "scratch-dir", "", "local directory for per-attempt workspaces")
	fs.DurationVar(&f.scratchMaxAge, "scratch-max-age", 0, "age after which unlocked workspaces are removed")
	fs.DurationVar(&f.sweepInterval, "scratch-sweep-interval", 0, "interval between scratch sweeps")
	fs.StringVar(&f.ladderFile, "ladder-file", "", "TOML file describing the rendition ladder")
	fs.StringVar(&f.ffmpegBinary, "ffmpeg", "", "ffmpeg binary")
	fs.StringVar(&f.ffprobeBinary, "ffprobe", "", "ffprobe binary")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&f.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 0, "graceful HTTP shutdown timeout")
	fs.DurationVar(&f.drainTimeout, "drain-timeout", 0, "how long to wait for in-flight jobs on shutdown")
	fs.DurationVar(&f.relayHeartbeat, "relay-heartbeat", 0, "interval between WebSocket ping frames")
	return cmd
}

func runServe(parent context.Context, s settings, f serveFlags) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Init(logging.Config{Level: s.LogLevel, Format: s.LogFormat})
	recorder := metrics.Default()

	ladder, err := loadLadder(f.ladderFile)
	if err != nil {
		return fmt.Errorf("load ladder: %w", err)
	}

	b, err := openBackends(ctx, s, logger, recorder)
	if err != nil {
		return err
	}
	defer b.Close(logger)

	scratchDir := firstNonEmpty(f.scratchDir, env("SCRATCH_DIR"))
	scratchMgr, err := scratch.NewManager(scratchDir, logging.WithComponent(logger, "scratch"))
	if err != nil {
		return err
	}
	maxAge := resolveDuration(f.scratchMaxAge, envPrefix+"SCRATCH_MAX_AGE", 24*time.Hour)
	sweepOnce(logger, scratchMgr, maxAge)
	stopSweeper := startScratchSweeper(ctx, logger, scratchMgr,
		resolveDuration(f.sweepInterval, envPrefix+"SCRATCH_SWEEP_INTERVAL", time.Hour), maxAge)
	defer stopSweeper()

	orchestrator, err := encode.NewOrchestrator(encode.Config{
		Store: b.store,
		Bus:   b.bus,
		Engine: &encode.FFmpegEngine{
			Binary: firstNonEmpty(f.ffmpegBinary, env("FFMPEG")),
			Logger: logging.WithComponent(logger, "ffmpeg"),
		},
		Prober:            encode.FFProbe{Binary: firstNonEmpty(f.ffprobeBinary, env("FFPROBE"))},
		Scratch:           scratchMgr,
		Ladder:            ladder,
		UploadParallelism: resolveInt(f.uploadParallelism, envPrefix+"UPLOAD_PARALLELISM"),
		Logger:            logging.WithComponent(logger, "encode"),
		Metrics:           recorder,
	})
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(worker.Config{
		Queue:        b.queue,
		Processor:    orchestrator,
		Workers:      resolveInt(f.workers, envPrefix+"WORKERS"),
		PollInterval: resolveDuration(f.pollInterval, envPrefix+"POLL_INTERVAL", 0),
		Logger:       logging.WithComponent(logger, "worker"),
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}

	relay := progress.NewRelay(progress.RelayConfig{
		Bus:               b.bus,
		Logger:            logging.WithComponent(logger, "relay"),
		HeartbeatInterval: resolveDuration(f.relayHeartbeat, envPrefix+"RELAY_HEARTBEAT", 30*time.Second),
	})
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	checks := map[string]api.Pinger{}
	if b.redis != nil {
		checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		})
	}
	handler, err := api.NewHandler(api.Config{
		Queue:   b.queue,
		History: b.history,
		Relay:   relay,
		Metrics: recorder,
		Logger:  logging.WithComponent(logger, "api"),
		Checks:  checks,
	})
	if err != nil {
		return err
	}

	logger.Info("starting transcoder",
		"workers", pool.Workers(),
		"queue_driver", s.QueueDriver,
		"storage_driver", s.StorageDriver,
		"history_driver", s.HistoryDriver,
		"rungs", len(ladder),
		"scratch_dir", scratchMgr.Root(),
	)
	pool.Start()

	listeners := []serverutil.Listener{{
		Name: "api",
		Server: &http.Server{
			Addr:              firstNonEmpty(f.addr, env("ADDR"), ":8080"),
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(f.tlsCert, env("TLS_CERT")),
			KeyFile:  firstNonEmpty(f.tlsKey, env("TLS_KEY")),
		},
	}}
	if addr := firstNonEmpty(f.metricsAddr, env("METRICS_ADDR")); addr != "" {
		listeners = append(listeners, serverutil.Listener{
			Name:   "metrics",
			Server: &http.Server{Addr: addr, Handler: recorder.Handler(), ReadHeaderTimeout: 10 * time.Second},
		})
	}
	serveErr := serverutil.Run(ctx, serverutil.Config{
		Listeners:       listeners,
		ShutdownTimeout: resolveDuration(f.shutdownTimeout, envPrefix+"SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		Logger:          logging.WithComponent(logger, "http"),
	})
	stop()

	drain := resolveDuration(f.drainTimeout, envPrefix+"DRAIN_TIMEOUT", 2*time.Minute)
	if err := drainPool(pool, drain, logger); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := <-relayDone; err != nil {
		logger.Warn("progress relay stopped", "error", err)
	}
	return serveErr
}

// drainPool stops claiming and waits up to timeout for in-flight jobs. Jobs
// still running afterwards keep their lease until it expires and another
// worker picks them up.
func drainPool(pool *worker.Pool, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := pool.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("drain timeout elapsed, in-flight leases left to expire", "timeout", timeout)
		return nil
	}
	return err
}
