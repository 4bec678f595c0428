package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/persistence"
)

const gaugeTimeout = 2 * time.Second

type promMetrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited prometheus.Counter
}

// newPromMetrics builds a private registry so several servers (tests) can
// coexist without duplicate registration panics.
func newPromMetrics(store *persistence.Store) *promMetrics {
	reg := prometheus.NewRegistry()
	m := &promMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grail",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grail",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grail",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}

	queued := storeGauge("queue_depth", "Tasks waiting in the queue.", func(ctx context.Context) (int, error) {
		return store.QueueDepth(ctx)
	})
	pending := storeGauge("pending_approvals", "Approvals waiting for a human decision.", func(ctx context.Context) (int, error) {
		return store.PendingApprovalCount(ctx)
	})
	denies := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "policy_deny_total",
		Help:      "Gate and resolution denials recorded in the audit trail since start.",
	}, func() float64 { return float64(audit.DenyCount()) })

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.rateLimited, queued, pending, denies,
	)
	return m
}

func storeGauge(name, help string, read func(context.Context) (int, error)) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "grail",
		Name:      name,
		Help:      help,
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), gaugeTimeout)
		defer cancel()
		n, err := read(ctx)
		if err != nil {
			slog.Warn("metrics gauge read failed", "gauge", name, "error", err)
			return 0
		}
		return float64(n)
	})
}
