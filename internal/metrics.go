package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _metricsNamespace = "bt"

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// _patternRE strips all `{...}` segments from a route pattern to build a
// label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	var normalized sync.Map

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.Pattern
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}
		var path string
		if v, ok := normalized.Load(pattern); ok {
			path = v.(string)
		} else {
			path = normalizePattern(pattern)
			normalized.Store(pattern, path)
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the cache system by event type and tier.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func (cm *cacheMetrics) hitInc(tier string)  { cm.totals.WithLabelValues(tier + "_hits").Inc() }
func (cm *cacheMetrics) missInc(tier string) { cm.totals.WithLabelValues(tier + "_misses").Inc() }
func (cm *cacheMetrics) promoteInc()         { cm.totals.WithLabelValues("promotions").Inc() }
func (cm *cacheMetrics) corruptInc()         { cm.totals.WithLabelValues("corrupt").Inc() }

func (cm *cacheMetrics) hitGet(tier string) int64  { return cm.get(tier + "_hits") }
func (cm *cacheMetrics) missGet(tier string) int64 { return cm.get(tier + "_misses") }
func (cm *cacheMetrics) corruptGet() int64         { return cm.get("corrupt") }

func (cm *cacheMetrics) get(label string) int64 {
	m := &dto.Metric{}
	if err := cm.totals.WithLabelValues(label).Write(m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

type providerMetrics struct {
	totals *prometheus.CounterVec
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "requests",
			Help:      "Upstream provider requests by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &providerMetrics{totals: totals}
}

func (pm *providerMetrics) requestInc(provider, outcome string) {
	pm.totals.WithLabelValues(provider, outcome).Inc()
}

func (pm *providerMetrics) requestGet(provider, outcome string) int64 {
	m := &dto.Metric{}
	if err := pm.totals.WithLabelValues(provider, outcome).Write(m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

type limiterMetrics struct {
	totals *prometheus.CounterVec
}

func newLimiterMetrics(reg *prometheus.Registry) *limiterMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "decisions",
			Help:      "Rate limiter decisions.",
		},
		[]string{"outcome"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &limiterMetrics{totals: totals}
}

func (lm *limiterMetrics) allowedInc()  { lm.totals.WithLabelValues("allowed").Inc() }
func (lm *limiterMetrics) rejectedInc() { lm.totals.WithLabelValues("rejected").Inc() }

// registerDBMetrics exposes pgx pool stats on the registry.
func registerDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) {
	if reg == nil || db == nil {
		return
	}
	reg.MustRegister(pgxpoolprometheus.NewCollector(db, nil))
}

// normalizePattern derives the constant label from the pattern:
//
//	"/api/job-state/{jobID}" → "/api/job-state"
//	"/v1/search/title"       → "/v1/search/title"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
