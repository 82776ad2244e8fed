package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPaused is returned to non-exempt submitters while the bot is paused
	ErrPaused = errors.New("not accepting requests right now")

	// ErrInvalidPayload wraps validation errors for a submitted payload
	ErrInvalidPayload = errors.New("invalid request")

	errDispatcherStarted = errors.New("dispatcher already started")
)

// defaultForceStopGrace is how long Stop waits for the worker to return
// after cancelling the in-flight job.
const defaultForceStopGrace = 5 * time.Second

// Dispatcher ties together admission, the [JobQueue] and its single
// [Worker], and manages the worker's lifecycle.
type Dispatcher struct {
	queue     *JobQueue
	worker    *Worker
	config    *QueueConfig
	generator Generator
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *botMetrics
	paused    atomic.Bool

	// forceStopGrace is how long Stop waits for the worker to exit after
	// the in-flight job's context is cancelled
	forceStopGrace time.Duration

	mu          sync.Mutex
	started     bool
	stopped     bool
	stopWork    context.CancelFunc
	cancelCalls context.CancelFunc
	done        chan struct{}
}

type DispatcherOption func(*Dispatcher)

// WithClock sets the clock used to time retries and generations
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithStatsRecorder sets where job outcomes are recorded
func WithStatsRecorder(r StatsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.worker.recorder = r
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRegisterer sets the registry the dispatcher's metrics are
// registered with.
func WithRegisterer(reg prometheus.Registerer) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = newBotMetrics(reg)
	}
}

// withMetrics shares metrics already registered by the caller
func withMetrics(m *botMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func NewDispatcher(
	config *QueueConfig,
	generator Generator,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		config:         config,
		generator:      generator,
		clock:          clock.RealClock{},
		logger:         slog.Default(),
		forceStopGrace: defaultForceStopGrace,
		worker:         &Worker{generator: generator},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newBotMetrics(prometheus.NewRegistry())
	}

	d.queue = NewJobQueue(config, d.logger.With(loggerNameKey, "queue"))
	d.queue.metrics = d.metrics

	d.worker.queue = d.queue
	d.worker.policy = RetryPolicy{Delay: config.RetryDelay}
	d.worker.clock = d.clock
	d.worker.metrics = d.metrics
	d.worker.logger = d.logger.With(loggerNameKey, "worker")
	return d
}

func (d *Dispatcher) Queue() *JobQueue {
	return d.queue
}

// InFlight returns the job currently being processed, if any
func (d *Dispatcher) InFlight() *Job {
	return d.worker.Current()
}

// Pause stops non-exempt submitters from submitting new jobs. Jobs
// already queued are still processed.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
}

func (d *Dispatcher) Resume() {
	d.paused.Store(false)
}

func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// Submit validates the payload and admits a new job for it. On success
// the job's events are sent to sink. Rejected submissions return an
// error and generate no events.
func (d *Dispatcher) Submit(
	ctx context.Context,
	submitterID string,
	payload Payload,
	sink StatusSink,
) (*JobHandle, error) {
	if payload == nil {
		d.metrics.jobsRejected.WithLabelValues(rejectReasonInvalid).Inc()
		return nil, fmt.Errorf("%w: no payload", ErrInvalidPayload)
	}
	kind := string(payload.Kind())

	if err := payload.Validate(); err != nil {
		d.metrics.jobsRejected.WithLabelValues(rejectReasonInvalid).Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if d.paused.Load() && !d.queue.IsExempt(submitterID) {
		d.metrics.jobsRejected.WithLabelValues(rejectReasonPaused).Inc()
		return nil, ErrPaused
	}

	job := newJob(
		submitterID,
		payload,
		sink,
		d.config.AttemptBudget,
		d.config.SinkTimeout,
		d.config.ResultTimeout,
		d.clock.Now(),
	)
	if err := d.queue.Admit(ctx, job); err != nil {
		d.metrics.jobsRejected.WithLabelValues(rejectReason(err)).Inc()
		d.logger.InfoContext(
			ctx,
			"rejected job",
			"submitter_id", submitterID,
			"kind", kind,
			"reason", err.Error(),
		)
		return nil, err
	}

	d.metrics.jobsSubmitted.WithLabelValues(kind).Inc()
	handle := job.Handle()
	return &handle, nil
}

// Start runs the worker in the background and returns immediately.
// The worker runs until [Dispatcher.Stop] is called; cancelling ctx
// does not stop it.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrQueueClosed
	}
	if d.started {
		return errDispatcherStarted
	}

	base := context.WithoutCancel(ctx)
	stopCtx, stopWork := context.WithCancel(base)
	callCtx, cancelCalls := context.WithCancel(base)

	d.started = true
	d.stopWork = stopWork
	d.cancelCalls = cancelCalls
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		d.worker.Run(stopCtx, callCtx)
	}()
	return nil
}

// Stop closes the queue to new jobs and stops the worker. The in-flight
// job, if any, has drainTimeout to finish before its context is
// cancelled. Every job still queued afterward, along with an in-flight
// job that was cut off, is resolved as aborted.
//
// Stop is safe to call more than once; only the first call has an effect.
func (d *Dispatcher) Stop(drainTimeout time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	done := d.done
	stopWork := d.stopWork
	cancelCalls := d.cancelCalls
	d.mu.Unlock()

	ctx := context.Background()
	d.queue.Close()
	d.logger.InfoContext(
		ctx,
		"stopping dispatcher",
		"drain_timeout", drainTimeout,
		"queued", d.queue.Len(),
	)

	var err error
	if started {
		stopWork()
		if !waitClosed(done, drainTimeout) {
			d.logger.WarnContext(ctx, "drain timeout elapsed, cancelling in-flight job")
			cancelCalls()
			if !waitClosed(done, d.forceStopGrace) {
				err = errors.New("worker did not stop in time")
				if job := d.worker.Current(); job != nil {
					d.worker.abort(ctx, job, time.Time{})
				}
			}
		}
		cancelCalls()
	}

	for _, job := range d.queue.Drain(ctx) {
		d.worker.abort(ctx, job, time.Time{})
	}

	if c, ok := d.generator.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	d.logger.InfoContext(ctx, "dispatcher stopped")
	return err
}

// waitClosed waits up to timeout for ch to be closed. With a timeout of
// zero or less it doesn't wait at all.
func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
