package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"k8s.io/utils/clock"
	"log/slog"
	"sync/atomic"
	"time"
)

// Generator performs a single image generation request
type Generator interface {
	Generate(ctx context.Context, payload Payload) (*GenerationResult, error)
}

// GenerationResult is the output of a successful generation
type GenerationResult struct {
	// Image holds the PNG bytes of the generated image
	Image    []byte        `json:"-"`
	Filename string        `json:"filename"`
	Seed     int64         `json:"seed,omitempty"`
	Model    string        `json:"model,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
}

// Worker is the single consumer of a [JobQueue]. Jobs are run one at a
// time, in queue order, so calls to the generation API are serialized.
type Worker struct {
	queue     *JobQueue
	generator Generator
	policy    RetryPolicy
	clock     clock.Clock
	recorder  StatsRecorder
	metrics   *botMetrics
	logger    *slog.Logger
	current   atomic.Pointer[Job]
	processed atomic.Int64
}

// Current returns the job being processed, if any
func (w *Worker) Current() *Job {
	return w.current.Load()
}

// Run processes jobs until stopCtx is done. callCtx is passed to the
// generator, and cancelling it cuts off the in-flight job.
//
// stopCtx is checked while waiting on the queue and while waiting to
// retry a job, so the loop never needs to finish a full retry cycle
// before stopping.
func (w *Worker) Run(stopCtx context.Context, callCtx context.Context) {
	w.logger.InfoContext(stopCtx, "worker started")
	defer w.logger.Info("worker stopped", "processed", w.processed.Load())

	for {
		job, err := w.queue.Pop(stopCtx)
		if err != nil {
			return
		}
		w.current.Store(job)
		w.process(stopCtx, callCtx, job)
		w.current.Store(nil)
		w.processed.Add(1)
	}
}

func (w *Worker) process(stopCtx context.Context, callCtx context.Context, job *Job) {
	logger := w.logger.With("job", job)
	ctx := WithLogger(callCtx, logger)
	start := w.clock.Now()

	for {
		attempt := job.beginAttempt()
		logger.InfoContext(
			ctx,
			"dispatching job",
			"attempt", attempt,
			"attempts_remaining", job.AttemptsRemaining(),
		)
		if attempt == 1 {
			job.emit(ctx, JobEvent{Kind: EventStarted, Attempt: attempt})
		}

		attemptStart := w.clock.Now()
		result, err := w.generate(ctx, job)
		w.metrics.observeAttempt(job.Payload.Kind(), w.clock.Since(attemptStart), err)

		if err == nil {
			result.Attempts = attempt
			result.Elapsed = w.clock.Since(start)
			if job.finish(ctx, JobEvent{Kind: EventSuccess, Result: result}) {
				logger.InfoContext(ctx, "job succeeded", "elapsed", result.Elapsed)
				w.record(ctx, job, EventSuccess, "", result.Elapsed)
			}
			return
		}

		if callCtx.Err() != nil {
			w.abort(ctx, job, start)
			return
		}

		kind := ClassifyFailure(err)
		decision := w.policy.Decide(job, kind)
		logger.WarnContext(
			ctx,
			"job attempt failed",
			tint.Err(err),
			"failure_kind", kind.String(),
			"failure_class", kind.Class().String(),
			"retry", decision.Retry,
		)

		if !decision.Retry {
			ev := JobEvent{
				Kind:    EventFailure,
				IsFatal: kind.Class() == Fatal,
				Message: err.Error(),
			}
			if job.finish(ctx, ev) {
				w.record(ctx, job, EventFailure, err.Error(), w.clock.Since(start))
			}
			return
		}

		w.metrics.retries.Inc()
		job.emit(
			ctx, JobEvent{
				Kind:              EventRetrying,
				Attempt:           attempt,
				AttemptsRemaining: job.AttemptsRemaining(),
				RetryIn:           decision.Delay,
				Message:           err.Error(),
			},
		)

		if !w.sleep(stopCtx, callCtx, decision.Delay) {
			logger.InfoContext(ctx, "stopped while waiting to retry")
			w.abort(ctx, job, start)
			return
		}
	}
}

// sleep waits for d, returning false if either context is done first
func (w *Worker) sleep(stopCtx context.Context, callCtx context.Context, d time.Duration) bool {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCtx.Done():
		return false
	case <-callCtx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// generate calls the generator, converting a panic into an error. Errors
// from a recovered panic aren't classified, so they're fatal.
func (w *Worker) generate(ctx context.Context, job *Job) (result *GenerationResult, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			result = nil
			err = fmt.Errorf("generator panicked: %v", rc)
		}
	}()

	result, err = w.generator.Generate(ctx, job.Payload)
	if err == nil && result == nil {
		err = errors.New("generator returned no result")
	}
	return result, err
}

// abort resolves the job as aborted due to shutdown
func (w *Worker) abort(ctx context.Context, job *Job, start time.Time) {
	ev := JobEvent{Kind: EventAborted, Message: AbortReasonShutdown}
	if !job.finish(ctx, ev) {
		return
	}
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = w.clock.Since(start)
	}
	w.logger.InfoContext(ctx, "job aborted", "job", job, "reason", AbortReasonShutdown)
	w.record(ctx, job, EventAborted, AbortReasonShutdown, elapsed)
}

func (w *Worker) record(
	ctx context.Context,
	job *Job,
	outcome EventKind,
	message string,
	elapsed time.Duration,
) {
	w.metrics.jobsCompleted.WithLabelValues(string(job.Payload.Kind()), outcome.String()).Inc()
	if w.recorder == nil {
		return
	}
	rec := newGenerationRecord(job, outcome, message, elapsed)
	if err := w.recorder.RecordGeneration(context.WithoutCancel(ctx), rec); err != nil {
		w.logger.ErrorContext(ctx, "error recording generation", "job", job, tint.Err(err))
	}
}
