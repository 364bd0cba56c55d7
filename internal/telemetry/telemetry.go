// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/analytics-ingest/internal/config"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_provider_requests_total",
			Help: "Total number of outbound provider requests, labeled by host and status code.",
		},
		[]string{"host", "code"},
	)

	providerRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_provider_request_duration_seconds",
			Help:    "Histogram of outbound provider request latencies, labeled by host.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"host"},
	)

	governorQueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_governor_queue_wait_seconds",
			Help:    "Time a provider call spent queued behind the rate governor.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"provider", "tenant"},
	)

	governorQuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_governor_quota_remaining",
			Help: "Requests left in the current quota window.",
		},
		[]string{"provider", "tenant"},
	)

	governorRequeuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_governor_rate_limit_requeues_total",
			Help: "Calls requeued after the provider answered 429.",
		},
		[]string{"provider", "tenant"},
	)

	executorRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_executor_retries_total",
			Help: "Retries issued by the request executor, labeled by error kind.",
		},
		[]string{"provider", "kind"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_lookups_total",
			Help: "Result cache lookups, labeled by outcome.",
		},
		[]string{"provider", "result"},
	)

	dedupDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_dedup_dropped_total",
			Help: "Records dropped as duplicates.",
		},
		[]string{"provider"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Total number of ingest runs processed, labeled by status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_active_workers",
			Help: "Number of workers currently processing a run.",
		},
	)

	outboundRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_outbound_rate_limit_delays_seconds",
			Help:    "Histogram of per-host outbound limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up tracing. Spans are exported to Google Cloud Trace when
// a project id is configured; otherwise they are sampled but kept in-process.
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Telemetry.ServiceName),
				semconv.ServiceVersion(cfg.Telemetry.Version),
				semconv.CloudProviderGCP,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		var traceExporter sdktrace.SpanExporter
		if cfg.Telemetry.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Telemetry.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.SampleRatio))),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		traceProv = tp
	})
	return traceProv, initErr
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// SanitizeHost extracts the lowercase hostname from a URL.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveProviderRequest records one outbound provider round trip. A zero code
// marks a transport failure.
func ObserveProviderRequest(host string, code int, duration time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	providerRequestsTotal.WithLabelValues(host, label).Inc()
	providerRequestDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveGovernorWait records how long a call waited for its governor slot.
func ObserveGovernorWait(provider, tenant string, duration time.Duration) {
	governorQueueWaitSeconds.WithLabelValues(provider, tenant).Observe(duration.Seconds())
}

// SetQuotaRemaining publishes the governor's remaining quota.
func SetQuotaRemaining(provider, tenant string, remaining int) {
	governorQuotaRemaining.WithLabelValues(provider, tenant).Set(float64(remaining))
}

// ObserveRateLimitRequeue counts a 429-triggered requeue.
func ObserveRateLimitRequeue(provider, tenant string) {
	governorRequeuesTotal.WithLabelValues(provider, tenant).Inc()
}

// ObserveRetry counts one executor retry.
func ObserveRetry(provider, kind string) {
	executorRetriesTotal.WithLabelValues(provider, kind).Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveDedupDropped counts records removed by the deduplicator.
func ObserveDedupDropped(provider string, dropped int) {
	if dropped <= 0 {
		return
	}
	dedupDroppedTotal.WithLabelValues(provider).Add(float64(dropped))
}

// ObserveRun records metrics for a run status change.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of an outbound limiter wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	outboundRateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an inbound HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
