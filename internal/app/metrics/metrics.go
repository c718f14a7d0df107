package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopfront",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfront",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopfront",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	cartMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfront",
			Subsystem: "cart",
			Name:      "mutations_total",
			Help:      "Cart mutations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	cartAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopfront",
			Subsystem: "cart",
			Name:      "transaction_attempts",
			Help:      "Transaction attempts needed per cart mutation.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"operation"},
	)

	cartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopfront",
			Subsystem: "cart",
			Name:      "mutation_duration_seconds",
			Help:      "Duration of cart mutations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	idempotencyResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfront",
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Idempotent requests by result (executed, replayed, in_progress, degraded).",
		},
		[]string{"result"},
	)

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfront",
			Subsystem: "sessions",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		},
		[]string{"event"},
	)

	sweeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfront",
			Subsystem: "sweeper",
			Name:      "purged_total",
			Help:      "Records removed by the periodic sweeper.",
		},
		[]string{"kind"},
	)

	realtimeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopfront",
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Connected realtime subscribers.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		cartMutations,
		cartAttempts,
		cartDuration,
		idempotencyResults,
		sessionEvents,
		sweeperRuns,
		realtimeSubscribers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordCartMutation records the outcome of one cart operation.
func RecordCartMutation(operation, outcome string, attempts int, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	cartMutations.WithLabelValues(operation, outcome).Inc()
	if attempts > 0 {
		cartAttempts.WithLabelValues(operation).Observe(float64(attempts))
	}
	cartDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIdempotency counts how an idempotent request was resolved.
func RecordIdempotency(result string) {
	idempotencyResults.WithLabelValues(result).Inc()
}

// RecordSessionEvent counts a session lifecycle event such as login or kick.
func RecordSessionEvent(event string) {
	sessionEvents.WithLabelValues(event).Inc()
}

// RecordSweep adds the number of records removed by one sweeper pass.
func RecordSweep(kind string, n int) {
	if n <= 0 {
		return
	}
	sweeperRuns.WithLabelValues(kind).Add(float64(n))
}

// SetRealtimeSubscribers reports the current number of websocket subscribers.
func SetRealtimeSubscribers(n int) {
	realtimeSubscribers.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// canonicalPath collapses identifiers so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[0] == "api" {
		parts = parts[2:] // drop "api/v1"
	}
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "products":
		if len(parts) > 1 {
			return "/products/:id"
		}
	case "cart":
		if len(parts) > 2 {
			return "/cart/items/:id"
		}
		return "/" + strings.Join(parts, "/")
	case "auth":
		if len(parts) > 2 && parts[1] == "sessions" {
			return "/auth/sessions/:id"
		}
		return "/" + strings.Join(parts, "/")
	}
	return "/" + parts[0]
}
