package naibot

import (
	"context"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

// Job is a single admitted generation request, from admission until it
// receives its terminal event.
//
// The queue position of a job is never stored here as authoritative state.
// It is recomputed from the job's index in the [JobQueue] whenever the
// queue changes, and delivered to the job's [StatusSink] as a
// [EventPositionUpdate].
type Job struct {
	ID          uuid.UUID
	SubmitterID string
	Payload     Payload
	CreatedAt   time.Time

	sink        StatusSink
	sinkTimeout time.Duration

	// resultTimeout limits delivery of the terminal event, which may carry
	// the generated image. 0=no limit
	resultTimeout time.Duration

	// sendMu serializes calls to sink, so events reach it in order
	sendMu sync.Mutex

	mu                sync.Mutex
	attemptsRemaining int
	attemptsMade      int
	positionSeq       uint64
	cancelPosition    context.CancelFunc
	dequeued          bool
	finished          bool
	outcome           EventKind
}

// JobHandle is the caller-facing reference to an admitted [Job]
type JobHandle struct {
	ID          uuid.UUID `json:"id"`
	Kind        JobKind   `json:"kind"`
	SubmitterID string    `json:"submitter_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func newJob(
	submitterID string,
	payload Payload,
	sink StatusSink,
	attemptBudget int,
	sinkTimeout time.Duration,
	resultTimeout time.Duration,
	now time.Time,
) *Job {
	if sink == nil {
		sink = nopSink{}
	}
	return &Job{
		ID:                uuid.New(),
		SubmitterID:       submitterID,
		Payload:           payload,
		CreatedAt:         now,
		sink:              sink,
		sinkTimeout:       sinkTimeout,
		resultTimeout:     resultTimeout,
		attemptsRemaining: attemptBudget,
	}
}

func (j *Job) Handle() JobHandle {
	return JobHandle{
		ID:          j.ID,
		Kind:        j.Payload.Kind(),
		SubmitterID: j.SubmitterID,
		CreatedAt:   j.CreatedAt,
	}
}

func (j *Job) AttemptsRemaining() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attemptsRemaining
}

func (j *Job) AttemptsMade() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attemptsMade
}

// Finished reports whether the job has received its terminal event
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Outcome returns the kind of terminal event the job received, or zero
// if it hasn't finished.
func (j *Job) Outcome() EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

func (j *Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID.String()),
		slog.String("submitter_id", j.SubmitterID),
		slog.String("kind", string(j.Payload.Kind())),
	)
}

// beginAttempt consumes one attempt from the retry budget and returns
// the 1-based number of the attempt about to be made.
func (j *Job) beginAttempt() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attemptsRemaining--
	j.attemptsMade++
	return j.attemptsMade
}

// deliverPosition sends the job's position from the snapshot with the given
// sequence number. Snapshots older than the last one delivered, and any
// snapshot arriving after the job left the queue, are dropped. Dequeuing
// the job cancels a position update that is still being delivered.
func (j *Job) deliverPosition(ctx context.Context, seq uint64, position int) bool {
	j.sendMu.Lock()
	defer j.sendMu.Unlock()

	j.mu.Lock()
	if j.dequeued || j.finished || seq <= j.positionSeq {
		j.mu.Unlock()
		return false
	}
	j.positionSeq = seq
	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancelPosition = cancel
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.cancelPosition = nil
		j.mu.Unlock()
		cancel()
	}()
	j.send(
		ctx, sendCtx, j.sinkTimeout, JobEvent{
			Kind:     EventPositionUpdate,
			Position: position,
		},
	)
	return true
}

// markDequeued records that the job left the queue in the snapshot
// with the given sequence number.
func (j *Job) markDequeued(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dequeued = true
	if seq > j.positionSeq {
		j.positionSeq = seq
	}
	if j.cancelPosition != nil {
		j.cancelPosition()
	}
}

// emit delivers a non-terminal event. It is a no-op once the job is finished.
func (j *Job) emit(ctx context.Context, ev JobEvent) bool {
	j.sendMu.Lock()
	defer j.sendMu.Unlock()

	j.mu.Lock()
	finished := j.finished
	j.mu.Unlock()
	if finished {
		return false
	}
	j.send(ctx, context.WithoutCancel(ctx), j.sinkTimeout, ev)
	return true
}

// finish delivers the job's terminal event. Only the first call has any
// effect; it returns false for every later call.
func (j *Job) finish(ctx context.Context, ev JobEvent) bool {
	j.sendMu.Lock()
	defer j.sendMu.Unlock()

	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return false
	}
	j.finished = true
	j.outcome = ev.Kind
	j.mu.Unlock()

	j.send(ctx, context.WithoutCancel(ctx), j.resultTimeout, ev)
	return true
}

// send passes ev to the sink under sendCtx, limited to timeout when it's
// positive. Delivery errors are logged with ctx's logger. Must be called
// with j.sendMu held.
func (j *Job) send(
	ctx context.Context,
	sendCtx context.Context,
	timeout time.Duration,
	ev JobEvent,
) {
	ev.JobID = j.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, timeout)
		defer cancel()
	}

	if err := j.sink.Send(sendCtx, ev); err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok || logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(
			ctx,
			"unable to deliver job event",
			"job", j,
			"event", ev.Kind.String(),
			tint.Err(err),
		)
	}
}
