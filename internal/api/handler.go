package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vodpipeline/internal/history"
	"vodpipeline/internal/jobs"
	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
)

// HistoryReader lists recorded transitions for a job.
type HistoryReader interface {
	List(ctx context.Context, jobID string) ([]history.Entry, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Config struct {
	Queue   jobs.Queue
	History HistoryReader
	// Relay serves /ws. Leave nil to disable the endpoint.
	Relay   http.Handler
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Checks are reported by /healthz in addition to the queue.
	Checks map[string]Pinger
	// HealthTimeout bounds each dependency check.
	HealthTimeout time.Duration
}

type Handler struct {
	queue         jobs.Queue
	history       HistoryReader
	relay         http.Handler
	metrics       *metrics.Recorder
	logger        *slog.Logger
	checks        map[string]Pinger
	healthTimeout time.Duration
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("api: queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Handler{
		queue:         cfg.Queue,
		history:       cfg.History,
		relay:         cfg.Relay,
		metrics:       recorder,
		logger:        logger,
		checks:        cfg.Checks,
		healthTimeout: timeout,
	}, nil
}

// Routes builds the router wrapped in request id, logging and metrics
// middleware.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	// Registered on the root router: a subrouter answers a method mismatch
	// with 404 instead of reaching MethodNotAllowedHandler.
	r.HandleFunc("/v1/jobs", h.CreateJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", h.GetJob).Methods(http.MethodGet)

	if h.relay != nil {
		r.Handle("/ws", h.relay).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	chain := metrics.HTTPMiddleware(h.metrics, r)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    h.logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	})(chain)
	chain = requestIDMiddleware(chain)
	chain = securityHeadersMiddleware(chain)
	return chain
}

// securityHeadersMiddleware sets the response headers every JSON endpoint
// should carry. The WebSocket upgrade ignores them.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
	})
}
