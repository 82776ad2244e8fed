package naibot

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrQuotaExceeded is returned when a submitter already has the
	// maximum number of jobs waiting in the queue.
	ErrQuotaExceeded = errors.New("too many queued requests for this user")

	// ErrQueueClosed is returned once the queue has stopped accepting jobs
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when the queue is at its configured size
	ErrQueueFull = errors.New("queue is full")
)

// JobQueue is the FIFO of admitted jobs, along with the admission ledger
// counting each submitter's queued jobs. Both are guarded by the same
// mutex.
//
// A submitter's ledger count is incremented when a job is admitted, and
// decremented when the job leaves the queue (dequeued by the worker, or
// drained on shutdown). A job that is being processed no longer counts
// against its submitter.
type JobQueue struct {
	mu       sync.Mutex
	jobs     []*Job
	ledger   map[string]int
	exempt   map[string]struct{}
	config   *QueueConfig
	closed   bool
	seq      uint64
	notify   chan struct{}
	notifier *positionNotifier
	logger   *slog.Logger
	metrics  *botMetrics
}

func NewJobQueue(config *QueueConfig, logger *slog.Logger) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]struct{}, len(config.ExemptSubmitters))
	for _, id := range config.ExemptSubmitters {
		exempt[id] = struct{}{}
	}
	return &JobQueue{
		ledger:   map[string]int{},
		exempt:   exempt,
		config:   config,
		notify:   make(chan struct{}, 1),
		notifier: newPositionNotifier(logger),
		logger:   logger,
	}
}

// IsExempt reports whether the submitter bypasses the per-submitter limit
func (q *JobQueue) IsExempt(submitterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.exempt[submitterID]
	return ok
}

// Admit appends the job to the queue if its submitter is under their
// limit, then publishes updated positions to every queued job.
func (q *JobQueue) Admit(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.config.Size > 0 && len(q.jobs) >= q.config.Size {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if _, exempt := q.exempt[job.SubmitterID]; !exempt {
		limit := q.config.MaxPerSubmitter
		if limit > 0 && q.ledger[job.SubmitterID] >= limit {
			q.mu.Unlock()
			return ErrQuotaExceeded
		}
	}

	q.ledger[job.SubmitterID]++
	q.jobs = append(q.jobs, job)
	snapshot := q.snapshot()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.logger.DebugContext(
		ctx,
		"admitted job",
		"job", job,
		"queue_length", len(snapshot.Jobs),
	)
	q.notifier.publish(ctx, snapshot)
	return nil
}

// Pop removes and returns the job at the front of the queue, waiting
// until one is available. It returns ctx.Err() if ctx is done first.
func (q *JobQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if job, ok := q.RemoveFront(ctx); ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// RemoveFront removes the job at the front of the queue without waiting.
// The boolean is false if the queue was empty.
func (q *JobQueue) RemoveFront(ctx context.Context) (*Job, bool) {
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	q.release(job.SubmitterID)
	snapshot := q.snapshot()
	q.mu.Unlock()

	job.markDequeued(snapshot.Seq)
	q.notifier.publish(ctx, snapshot)
	return job, true
}

// Drain removes every queued job and returns them in queue order
func (q *JobQueue) Drain(ctx context.Context) []*Job {
	q.mu.Lock()
	drained := q.jobs
	q.jobs = nil
	for _, job := range drained {
		q.release(job.SubmitterID)
	}
	snapshot := q.snapshot()
	q.mu.Unlock()

	for _, job := range drained {
		job.markDequeued(snapshot.Seq)
	}
	if len(drained) > 0 {
		q.logger.InfoContext(ctx, "drained queue", "count", len(drained))
	}
	return drained
}

// Close stops the queue from admitting new jobs. Jobs already queued
// can still be removed.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *JobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns the current queue contents, in order
func (q *JobQueue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{Seq: q.seq, Jobs: slices.Clone(q.jobs)}
}

// Queued returns the number of queued jobs counted against the submitter
func (q *JobQueue) Queued(submitterID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ledger[submitterID]
}

// snapshot must be called with q.mu held. Every call is a queue mutation,
// so it advances the sequence number.
func (q *JobQueue) snapshot() QueueSnapshot {
	q.seq++
	if q.metrics != nil {
		q.metrics.queueDepth.Set(float64(len(q.jobs)))
	}
	return QueueSnapshot{Seq: q.seq, Jobs: slices.Clone(q.jobs)}
}

// release must be called with q.mu held
func (q *JobQueue) release(submitterID string) {
	n := q.ledger[submitterID] - 1
	if n <= 0 {
		delete(q.ledger, submitterID)
		return
	}
	q.ledger[submitterID] = n
}
