package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vodpipe"

// Recorder owns a private Prometheus registry with HTTP, job lifecycle, encode
// run and progress bus instrumentation.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	jobEvents  *prometheus.CounterVec
	activeJobs prometheus.Gauge

	encodeRuns        *prometheus.CounterVec
	encodeRunDuration *prometheus.HistogramVec

	progressEvents  *prometheus.CounterVec
	progressDropped prometheus.Counter

	uploadedBytes prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder backed by a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		jobEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Transcode job lifecycle events by status",
		}, []string{"status"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Transcode jobs currently executing in this process",
		}),
		encodeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_runs_total",
			Help:      "Per-resolution encode runs by outcome",
		}, []string{"resolution", "status"}),
		encodeRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_run_duration_seconds",
			Help:      "Wall time of a single resolution encode",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"resolution"}),
		progressEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events published by status",
		}, []string{"status"}),
		progressDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      "Progress events dropped because a subscriber was full or the broker was unavailable",
		}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written to object storage for HLS outputs",
		}),
	}
}

// Default returns the shared Recorder for packages that do not take one explicitly.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request. route must have bounded
// cardinality, such as a route template.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	r.requestsTotal.WithLabelValues(m, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, route).Observe(duration.Seconds())
}

// JobStarted increments the active job gauge.
func (r *Recorder) JobStarted() {
	r.jobEvents.WithLabelValues("started").Inc()
	r.activeJobs.Inc()
}

// JobCompleted records a successful job.
func (r *Recorder) JobCompleted() {
	r.jobEvents.WithLabelValues("completed").Inc()
	r.activeJobs.Dec()
}

// JobFailed records a failed attempt. Terminal failures are counted
// separately from attempts that were re-queued.
func (r *Recorder) JobFailed(terminal bool) {
	if terminal {
		r.jobEvents.WithLabelValues("failed").Inc()
	} else {
		r.jobEvents.WithLabelValues("retried").Inc()
	}
	r.activeJobs.Dec()
}

// JobAbandoned records a job left to lease expiry during shutdown.
func (r *Recorder) JobAbandoned() {
	r.jobEvents.WithLabelValues("abandoned").Inc()
	r.activeJobs.Dec()
}

// ObserveEncodeRun records the outcome and duration of one resolution encode.
func (r *Recorder) ObserveEncodeRun(resolution string, ok bool, duration time.Duration) {
	status := "finished"
	if !ok {
		status = "failed"
	}
	r.encodeRuns.WithLabelValues(resolution, status).Inc()
	r.encodeRunDuration.WithLabelValues(resolution).Observe(duration.Seconds())
}

// ProgressPublished counts one published progress event.
func (r *Recorder) ProgressPublished(status string) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	if normalized == "" {
		normalized = "unknown"
	}
	r.progressEvents.WithLabelValues(normalized).Inc()
}

// ProgressDropped counts one event that never reached a subscriber.
func (r *Recorder) ProgressDropped() {
	r.progressDropped.Inc()
}

// ObserveUpload adds n bytes to the uploaded total.
func (r *Recorder) ObserveUpload(n int64) {
	if n > 0 {
		r.uploadedBytes.Add(float64(n))
	}
}
