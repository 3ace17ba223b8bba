package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zscanner"

// Recorder owns the Prometheus collectors for HTTP traffic, upload sessions
// and the expiration sweeper. All methods are safe on a nil receiver so
// components can be constructed without instrumentation.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	uploadsCreated   *prometheus.CounterVec
	uploadsRejected  *prometheus.CounterVec
	uploadsCompleted *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	activeUploads    prometheus.Gauge

	sweepRuns     prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepFailures prometheus.Counter
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// New builds a Recorder registered against its own registry, which also
// carries the Go runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(registry)
}

// NewWithRegisterer builds a Recorder whose collectors are registered with the
// supplied registry. Collectors that are already registered are reused.
func NewWithRegisterer(registry *prometheus.Registry) *Recorder {
	r := &Recorder{registry: registry}

	r.requests = registerCounterVec(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, normalized path and status.",
	}, []string{"method", "path", "status"})
	r.requestDuration = registerHistogramVec(registry, prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and normalized path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.uploadsCreated = registerCounterVec(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_created_total",
		Help:      "Upload sessions created by upload type.",
	}, []string{"upload_type"})
	r.uploadsRejected = registerCounterVec(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_rejected_total",
		Help:      "Upload session creations rejected before any bytes were accepted.",
	}, []string{"reason"})
	r.uploadsCompleted = registerCounterVec(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_completed_total",
		Help:      "Upload sessions that received their final byte, by completion handler result.",
	}, []string{"upload_type", "result"})
	r.uploadBytes = registerCounter(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "received_bytes_total",
		Help:      "Bytes durably written to upload blobs.",
	})
	r.activeUploads = registerGauge(registry, prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_active",
		Help:      "Upload sessions that have not yet completed.",
	})

	r.sweepRuns = registerCounter(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Expiration sweeps executed.",
	})
	r.sweepRemoved = registerCounter(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "removed_total",
		Help:      "Expired upload blobs removed.",
	})
	r.sweepFailures = registerCounter(registry, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "failures_total",
		Help:      "Expired upload blobs that could not be removed.",
	})
	return r
}

// Default returns the process-wide Recorder, creating it on first use.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New()
	})
	return defaultRecorder
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the Prometheus exposition format for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request. Identifier-like path segments are
// collapsed so upload ids do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (r *Recorder) UploadCreated(uploadType string) {
	if r == nil {
		return
	}
	r.uploadsCreated.WithLabelValues(labelValue(uploadType)).Inc()
	r.activeUploads.Inc()
}

func (r *Recorder) UploadRejected(reason string) {
	if r == nil {
		return
	}
	r.uploadsRejected.WithLabelValues(labelValue(reason)).Inc()
}

func (r *Recorder) BytesReceived(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.uploadBytes.Add(float64(n))
}

// UploadCompleted records a session reaching its final byte. A non-nil err
// means the completion handler failed.
func (r *Recorder) UploadCompleted(uploadType string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.uploadsCompleted.WithLabelValues(labelValue(uploadType), result).Inc()
	r.activeUploads.Dec()
}

// UploadsAbandoned removes n sessions that were dropped before completing
// from the active gauge.
func (r *Recorder) UploadsAbandoned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.activeUploads.Sub(float64(n))
}

func (r *Recorder) SweepCompleted(removed, failed int) {
	if r == nil {
		return
	}
	r.sweepRuns.Inc()
	r.sweepRemoved.Add(float64(removed))
	r.sweepFailures.Add(float64(failed))
}

func registerCounterVec(registry *prometheus.Registry, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := registry.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}

func registerHistogramVec(registry *prometheus.Registry, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(opts, labels)
	if err := registry.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}

func registerCounter(registry *prometheus.Registry, opts prometheus.CounterOpts) prometheus.Counter {
	counter := prometheus.NewCounter(opts)
	if err := registry.Register(counter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func registerGauge(registry *prometheus.Registry, opts prometheus.GaugeOpts) prometheus.Gauge {
	gauge := prometheus.NewGauge(opts)
	if err := registry.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		panic(err)
	}
	return gauge
}

func labelValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// looksLikeIdentifier treats hex/uuid-like or mostly numeric segments as ids.
// Route words such as "healthcheck" or "documenttypes" contain no digits.
func looksLikeIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	return digits*2 >= len(segment) && !isVersionSegment(segment)
}

func isVersionSegment(segment string) bool {
	if len(segment) < 2 || segment[0] != 'v' {
		return false
	}
	_, err := strconv.Atoi(segment[1:])
	return err == nil
}
