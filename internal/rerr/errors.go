// Package rerr defines the sentinel errors and structured error wrapper
// shared across the routing core.
package rerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and logging. The set is
// closed and mirrors the recovery table of the routing core: every kind a
// caller can observe is listed here, nothing more.
type Kind string

const (
	KindBadRequest          Kind = "BadRequest"
	KindUnknownVirtualModel Kind = "UnknownVirtualModel"
	KindNoAvailableTargets  Kind = "NoAvailableTargets"
	KindAllTargetsFailed    Kind = "AllTargetsFailed"
	KindAuthExhausted       Kind = "AuthExhausted"
	KindTokenLimitExceeded  Kind = "TokenLimitExceeded"
	KindOverloaded          Kind = "Overloaded"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindInternalInvariant   Kind = "InternalInvariant"
)

// Sentinel errors for comparison with errors.Is. Component code should wrap
// one of these into an *Error rather than inventing ad-hoc messages, so
// callers can always classify a failure with errors.Is regardless of how
// deeply it was wrapped.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnknownVirtualModel = errors.New("unknown virtual model")
	ErrNoAvailableTargets  = errors.New("no available targets")
	ErrAllTargetsFailed    = errors.New("all targets failed")
	ErrAuthExhausted       = errors.New("all credential slots exhausted")
	ErrTokenLimitExceeded  = errors.New("token limit exceeded")
	ErrOverloaded          = errors.New("scheduler overloaded")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrNoCredentials       = errors.New("no active credential slot")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")

	// ErrAssemblyFailed marks an Assembler run that produced zero usable
	// pools; the manager must refuse to enter serving state on this error.
	ErrAssemblyFailed = errors.New("assembly produced no usable pipeline pools")
)

var kindToSentinel = map[Kind]error{
	KindBadRequest:          ErrBadRequest,
	KindUnknownVirtualModel: ErrUnknownVirtualModel,
	KindNoAvailableTargets:  ErrNoAvailableTargets,
	KindAllTargetsFailed:    ErrAllTargetsFailed,
	KindAuthExhausted:       ErrAuthExhausted,
	KindTokenLimitExceeded:  ErrTokenLimitExceeded,
	KindOverloaded:          ErrOverloaded,
	KindUpstreamTimeout:     ErrUpstreamTimeout,
}

// Error is the structured error carried across component boundaries. It
// names the request id, when one is known, so the HTTP layer can echo it
// back for correlation with a trace record.
type Error struct {
	Op        string // operation that failed, e.g. "scheduler.Execute"
	Kind      Kind
	RequestID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return kindToSentinel[e.Kind]
}

// New builds an *Error for the given kind, wrapping cause (may be nil).
func New(op string, kind Kind, requestID string, cause error) *Error {
	return &Error{Op: op, Kind: kind, RequestID: requestID, Err: cause}
}

// WithMessage attaches a human-readable message, returning the receiver.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// IsRetryable reports whether a classification-level error is one the
// scheduler should retry against a different pipeline.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// KindOf extracts the Kind carried by err, defaulting to InternalInvariant
// when err does not wrap a known sentinel.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrUnknownVirtualModel):
		return KindUnknownVirtualModel
	case errors.Is(err, ErrNoAvailableTargets):
		return KindNoAvailableTargets
	case errors.Is(err, ErrAllTargetsFailed):
		return KindAllTargetsFailed
	case errors.Is(err, ErrAuthExhausted), errors.Is(err, ErrNoCredentials):
		return KindAuthExhausted
	case errors.Is(err, ErrTokenLimitExceeded):
		return KindTokenLimitExceeded
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	case errors.Is(err, ErrUpstreamTimeout):
		return KindUpstreamTimeout
	default:
		return KindInternalInvariant
	}
}
