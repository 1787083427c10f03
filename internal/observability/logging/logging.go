package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"vodpipeline/internal/observability/metrics"
)

// Config selects the level, output format and destination of the process
// logger. Writer defaults to stdout.
type Config struct {
	Level     string
	Writer    io.Writer
	Format    string
	AddSource bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
	FormatAuto LogFormat = "auto"
)

// Init builds a logger from cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceDuration,
	}
	if resolveFormat(cfg.Format, writer) == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// replaceDuration renders durations as "1m30s" rather than nanoseconds so
// encode and upload timings stay readable in JSON output.
func replaceDuration(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

// resolveFormat uses text for an interactive terminal under "auto" and JSON
// in every other case.
func resolveFormat(format string, writer io.Writer) LogFormat {
	switch LogFormat(strings.ToLower(strings.TrimSpace(format))) {
	case FormatText:
		return FormatText
	case FormatAuto:
		if f, ok := writer.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return FormatText
		}
	}
	return FormatJSON
}

// parseLevel accepts slog level names, offsets such as "debug+2" and the
// "warning" alias. Anything else is info.
func parseLevel(level string) slog.Level {
	trimmed := strings.TrimSpace(level)
	if strings.EqualFold(trimmed, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if trimmed == "" || l.UnmarshalText([]byte(trimmed)) != nil {
		return slog.LevelInfo
	}
	return l
}

// WithComponent tags logger with the subsystem that owns it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type contextKey string

const (
	jobIDKey   contextKey = "job_id"
	videoIDKey contextKey = "video_id"
)

// ContextWithJob records the job and video identifiers on the context. Empty
// values are ignored.
func ContextWithJob(ctx context.Context, jobID, videoID string) context.Context {
	if id := strings.TrimSpace(jobID); id != "" {
		ctx = context.WithValue(ctx, jobIDKey, id)
	}
	if id := strings.TrimSpace(videoID); id != "" {
		ctx = context.WithValue(ctx, videoIDKey, id)
	}
	return ctx
}

// JobIDFromContext extracts the job ID previously stored on the context.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(jobIDKey).(string)
	return value, ok && value != ""
}

// VideoIDFromContext extracts the video ID previously stored on the context.
func VideoIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(videoIDKey).(string)
	return value, ok && value != ""
}

// WithContext returns a logger annotated with the job and video IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if jobID, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", jobID)
	}
	if videoID, ok := VideoIDFromContext(ctx); ok {
		logger = logger.With("video_id", videoID)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	SkipPaths         []string
}

// RequestLogger returns middleware that logs method, path, status and
// duration for every request except those under SkipPaths.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			sw := metrics.NewStatusWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.Status(),
				"bytes", sw.Bytes(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if requestID := w.Header().Get("X-Request-Id"); requestID != "" {
				attrs = append(attrs, "request_id", requestID)
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			baseLogger.Info("request completed", attrs...)
		})
	}
}
