package naibot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// FailureKind classifies a failed call to the image generation API
type FailureKind int

const (
	// FailureUnknown covers any error that couldn't be classified. It's
	// treated as fatal.
	FailureUnknown FailureKind = iota
	FailureRateLimited
	FailureServerError
	FailureBadRequest
	FailureAuthError
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureServerError:
		return "server_error"
	case FailureBadRequest:
		return "bad_request"
	case FailureAuthError:
		return "auth_error"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// FailureClass is the retry classification of a [FailureKind]
type FailureClass int

const (
	Fatal FailureClass = iota
	Transient
)

func (c FailureClass) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

// Class maps the failure kind to Transient (rate limits, 5xx, timeouts)
// or Fatal (everything else).
func (k FailureKind) Class() FailureClass {
	switch k {
	case FailureRateLimited, FailureServerError, FailureTimeout:
		return Transient
	default:
		return Fatal
	}
}

// GenerationError is returned by a [Generator] for a failed request
type GenerationError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (e *GenerationError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("NovelAI API error (%d): %s", e.StatusCode, e.Message)
	case e.Message != "":
		return fmt.Sprintf("NovelAI API error: %s", e.Message)
	case e.Err != nil:
		return fmt.Sprintf("NovelAI API error: %s", e.Err.Error())
	default:
		return fmt.Sprintf("NovelAI API error: %s", e.Kind)
	}
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ClassifyFailure determines the [FailureKind] of err. Errors that aren't
// a [*GenerationError], a deadline or a network timeout are
// [FailureUnknown].
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureUnknown
}

// RetryDecision is the outcome of [RetryPolicy.Decide]. When Retry is
// false, the job should be given up on.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed job is attempted again. The delay
// between attempts is fixed.
type RetryPolicy struct {
	Delay time.Duration
}

func (p RetryPolicy) Decide(job *Job, kind FailureKind) RetryDecision {
	if kind.Class() == Fatal {
		return RetryDecision{}
	}
	if job.AttemptsRemaining() > 0 {
		return RetryDecision{Retry: true, Delay: p.Delay}
	}
	return RetryDecision{}
}
