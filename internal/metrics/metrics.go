// Package metrics exposes Prometheus collectors for HTTP traffic and the
// wallet/generation events the services report.
//
// A *Metrics is nil-safe: services take one as an optional dependency and
// tests simply pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vm_image_generator"

// Metrics owns a registry and the application's collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	authEvents      *prometheus.CounterVec
	creditOps       *prometheus.CounterVec
	creditsAdded    prometheus.Counter
	imagesGenerated *prometheus.CounterVec
	galleryOps      *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"method", "path"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Authentication attempts by kind and outcome.",
		}, []string{"kind", "result"}),
		creditOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "operations_total",
			Help:      "Wallet operations by kind and outcome.",
		}, []string{"op", "result"}),
		creditsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "added_total",
			Help:      "Credits added through purchases and coupons.",
		}),
		imagesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "generated_total",
			Help:      "Images generated by model and size.",
		}, []string{"model", "size"}),
		galleryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gallery",
			Name:      "operations_total",
			Help:      "Gallery saves and deletes by outcome.",
		}, []string{"op", "result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.authEvents,
		m.creditOps,
		m.creditsAdded,
		m.imagesGenerated,
		m.galleryOps,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AuthEvent counts a login, signup, google, otp or logout attempt.
func (m *Metrics) AuthEvent(kind string, ok bool) {
	if m == nil {
		return
	}
	m.authEvents.WithLabelValues(kind, result(ok)).Inc()
}

// CreditOp counts a wallet operation. added is the number of credits that
// entered the wallet, zero for deductions and failures.
func (m *Metrics) CreditOp(op string, ok bool, added int) {
	if m == nil {
		return
	}
	m.creditOps.WithLabelValues(op, result(ok)).Inc()
	if ok && added > 0 {
		m.creditsAdded.Add(float64(added))
	}
}

// ImagesGenerated counts n images produced with the given model and size.
func (m *Metrics) ImagesGenerated(model, size string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.imagesGenerated.WithLabelValues(model, size).Add(float64(n))
}

// GalleryOp counts a gallery save or delete.
func (m *Metrics) GalleryOp(op string, ok bool) {
	if m == nil {
		return
	}
	m.galleryOps.WithLabelValues(op, result(ok)).Inc()
}

// Instrument wraps next with request count, duration and in-flight
// metrics. /metrics itself is not measured.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses per-image paths so label cardinality stays
// bounded: /api/gallery/img-123 becomes /api/gallery/:id.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "gallery" {
		return "/api/gallery/:id"
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
