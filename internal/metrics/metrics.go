// Package metrics owns the Prometheus registry shared by the API and the worker.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
)

const namespace = "reelforge"

// Metrics groups every collector on a private registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	jobsAdmitted       *prometheus.CounterVec
	jobsClaimed        prometheus.Counter
	jobsFinished       *prometheus.CounterVec
	jobsRetried        *prometheus.CounterVec
	refunds            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	providerCalls      *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	inFlight           prometheus.Gauge
	availableResources *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Job submissions, partitioned by whether they were new or idempotent replays.",
		}, []string{"result"}),
		jobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by workers.",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, partitioned by status and error kind.",
		}, []string{"status", "error_kind"}),
		jobsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Jobs requeued after a retryable failure.",
		}, []string{"error_kind"}),
		refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Credits returned to owners, partitioned by source.",
		}, []string{"source"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempt_duration_seconds",
			Help:      "Wall time of one processing attempt.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"outcome"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Calls to the generation provider, partitioned by operation and outcome.",
		}, []string{"operation", "outcome"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of generation provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently processed by this worker.",
		}),
		availableResources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rotator_available_resources",
			Help:      "Credentials or proxies not in cooldown, per pool.",
		}, []string{"pool"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, partitioned by route pattern and status code.",
		}, []string{"method", "route", "code"}),
	}
}

// Registry exposes the gatherer for tests and pushers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobAdmitted(duplicate bool) {
	if m == nil {
		return
	}
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	m.jobsAdmitted.WithLabelValues(result).Inc()
}

func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}
	m.jobsClaimed.Inc()
}

func (m *Metrics) JobFinished(status, errorKind string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status, errorKind).Inc()
}

func (m *Metrics) JobRetried(errorKind string) {
	if m == nil {
		return
	}
	m.jobsRetried.WithLabelValues(errorKind).Inc()
}

// Refunded counts n refunds attributed to source (worker, reconcile, stuck).
func (m *Metrics) Refunded(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.refunds.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveProviderCall(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(operation, outcome).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) SetAvailable(pool string, healthy int) {
	if m == nil {
		return
	}
	m.availableResources.WithLabelValues(pool).Set(float64(healthy))
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprint(code)).Inc()
}

// StartPusher periodically pushes the registry to a Pushgateway until ctx ends.
// A blank url disables pushing.
func (m *Metrics) StartPusher(ctx context.Context, url, job string, interval time.Duration, logger zerolog.Logger) {
	if m == nil || url == "" {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instance := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	pusher := push.New(url, job).Gatherer(m.registry).Grouping("instance", instance)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pusher.Push(); err != nil {
					logger.Warn().Err(err).Str("pushgateway", url).Msg("metrics: push failed")
				}
			}
		}
	}()
	logger.Info().Str("pushgateway", url).Str("instance", instance).Dur("interval", interval).Msg("metrics: pusher started")
}
