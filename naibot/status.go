package naibot

import (
	"context"
	"github.com/google/uuid"
	"time"
)

// AbortReasonShutdown is the reason given to jobs aborted because the
// bot is stopping.
const AbortReasonShutdown = "shutdown"

// EventKind identifies the type of a [JobEvent]
type EventKind int

const (
	EventPositionUpdate EventKind = iota + 1
	EventStarted
	EventRetrying
	EventSuccess
	EventFailure
	EventAborted
)

func (k EventKind) String() string {
	switch k {
	case EventPositionUpdate:
		return "position_update"
	case EventStarted:
		return "started"
	case EventRetrying:
		return "retrying"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether a job can receive no further events after
// an event of this kind.
func (k EventKind) Terminal() bool {
	switch k {
	case EventSuccess, EventFailure, EventAborted:
		return true
	default:
		return false
	}
}

// JobEvent is a status update for a single [Job]. Which fields are set
// depends on Kind:
//
//   - EventPositionUpdate: Position (1-based)
//   - EventStarted: Attempt
//   - EventRetrying: Attempt, AttemptsRemaining, RetryIn, Message
//   - EventSuccess: Result
//   - EventFailure: IsFatal, Message
//   - EventAborted: Message (the abort reason)
type JobEvent struct {
	JobID             uuid.UUID         `json:"job_id"`
	Kind              EventKind         `json:"kind"`
	Time              time.Time         `json:"time"`
	Position          int               `json:"position,omitempty"`
	Attempt           int               `json:"attempt,omitempty"`
	AttemptsRemaining int               `json:"attempts_remaining,omitempty"`
	RetryIn           time.Duration     `json:"retry_in,omitempty"`
	Result            *GenerationResult `json:"-"`
	IsFatal           bool              `json:"is_fatal,omitempty"`
	Message           string            `json:"message,omitempty"`
}

// StatusSink receives events for a job. Implementations should return
// promptly and honor ctx; a failed or slow delivery is logged and dropped,
// and never affects the queue.
type StatusSink interface {
	Send(ctx context.Context, ev JobEvent) error
}

// SinkFunc adapts a function to a [StatusSink]
type SinkFunc func(ctx context.Context, ev JobEvent) error

func (f SinkFunc) Send(ctx context.Context, ev JobEvent) error {
	return f(ctx, ev)
}

// ChannelSink delivers events to a channel, giving up when ctx is done.
type ChannelSink chan JobEvent

func (c ChannelSink) Send(ctx context.Context, ev JobEvent) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopSink struct{}

func (nopSink) Send(context.Context, JobEvent) error {
	return nil
}
