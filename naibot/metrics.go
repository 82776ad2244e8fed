package naibot

import (
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

const (
	metricsNamespace = "naibot"

	rejectReasonInvalid = "invalid"
	rejectReasonPaused  = "paused"
	rejectReasonQuota   = "quota_exceeded"
	rejectReasonFull    = "queue_full"
	rejectReasonClosed  = "closed"
	rejectReasonOther   = "other"
)

type botMetrics struct {
	jobsSubmitted      *prometheus.CounterVec
	jobsRejected       *prometheus.CounterVec
	jobsCompleted      *prometheus.CounterVec
	attempts           *prometheus.CounterVec
	retries            prometheus.Counter
	queueDepth         prometheus.Gauge
	attemptDuration    *prometheus.HistogramVec
	novelaiRequests    *prometheus.CounterVec
	novelaiBreakerOpen prometheus.Gauge
}

func newBotMetrics(reg prometheus.Registerer) *botMetrics {
	f := promauto.With(reg)
	return &botMetrics{
		jobsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs admitted to the queue",
			}, []string{"kind"},
		),
		jobsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_rejected_total",
				Help:      "Submissions rejected before entering the queue",
			}, []string{"reason"},
		),
		jobsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_completed_total",
				Help:      "Jobs resolved, by terminal outcome",
			}, []string{"kind", "outcome"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_attempts_total",
				Help:      "Generation attempts, by result",
			}, []string{"kind", "result"},
		),
		retries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_retries_total",
				Help:      "Attempts scheduled after a transient failure",
			},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Jobs waiting in the queue",
			},
		),
		attemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of a single generation attempt",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
			}, []string{"kind"},
		),
		novelaiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "novelai_requests_total",
				Help:      "Requests made to the NovelAI API",
			}, []string{"endpoint", "result"},
		),
		novelaiBreakerOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "novelai_breaker_open",
				Help:      "1 while the NovelAI circuit breaker is open",
			},
		),
	}
}

func (m *botMetrics) observeAttempt(kind JobKind, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = ClassifyFailure(err).Class().String()
	}
	m.attempts.WithLabelValues(string(kind), result).Inc()
	m.attemptDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return rejectReasonQuota
	case errors.Is(err, ErrQueueFull):
		return rejectReasonFull
	case errors.Is(err, ErrQueueClosed):
		return rejectReasonClosed
	case errors.Is(err, ErrPaused):
		return rejectReasonPaused
	case errors.Is(err, ErrInvalidPayload):
		return rejectReasonInvalid
	default:
		return rejectReasonOther
	}
}
