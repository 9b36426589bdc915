package metrics

import (
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
			Namespace: "campuscoin",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuscoin",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campuscoin",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	mintBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuscoin",
			Subsystem: "ledger",
			Name:      "mint_batches_total",
			Help:      "Total number of mint batches by terminal status.",
		},
		[]string{"status"},
	)

	mintDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "campuscoin",
			Subsystem: "ledger",
			Name:      "mint_duration_seconds",
			Help:      "End-to-end duration of mint batches, chain confirmation included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3.5min
		},
	)

	purchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuscoin",
			Subsystem: "ledger",
			Name:      "purchases_total",
			Help:      "Total number of reward purchase attempts.",
		},
		[]string{"outcome"},
	)

	reconcilerCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuscoin",
			Subsystem: "ledger",
			Name:      "reconciler_commits_total",
			Help:      "Mint batches the reconciler attempted to commit.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		mintBatches,
		mintDuration,
		purchases,
		reconcilerCommits,
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

// RecordMintBatch records the terminal status and duration of a mint batch.
func RecordMintBatch(status string, duration time.Duration) {
	mintBatches.WithLabelValues(status).Inc()
	if duration > 0 {
		mintDuration.Observe(duration.Seconds())
	}
}

// RecordPurchase records a purchase attempt outcome.
func RecordPurchase(outcome string) {
	purchases.WithLabelValues(outcome).Inc()
}

// RecordReconcilerCommit records a reconciler commit attempt.
func RecordReconcilerCommit(success bool) {
	reconcilerCommits.WithLabelValues(strconv.FormatBool(success)).Inc()
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

// canonicalPath collapses resource identifiers so metric cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")

	prefix := ""
	if parts[0] == "api" {
		prefix = "/api"
		parts = parts[1:]
		if len(parts) == 0 {
			return prefix
		}
	}

	switch parts[0] {
	case "users", "activities", "rewards", "registrations", "batches":
		if len(parts) == 1 {
			return prefix + "/" + parts[0]
		}
		if len(parts) == 2 {
			return prefix + "/" + parts[0] + "/:id"
		}
		return prefix + "/" + parts[0] + "/:id/" + parts[2]
	case "auth", "my":
		if len(parts) >= 2 {
			return prefix + "/" + parts[0] + "/" + parts[1]
		}
	}
	return prefix + "/" + parts[0]
}
