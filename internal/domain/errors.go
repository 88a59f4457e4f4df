package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every error that leaves an adapter wraps exactly one of these.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrRetryable   = errors.New("retryable backend failure")
	ErrCancelled   = errors.New("cancelled")
	ErrFatal       = errors.New("fatal")
)

// classedError is a sentinel with its own message that unwraps to its class.
type classedError struct {
	msg   string
	class error
}

func (e *classedError) Error() string { return e.msg }
func (e *classedError) Unwrap() error { return e.class }

func classed(msg string, class error) error {
	return &classedError{msg: msg, class: class}
}

// Sentinel errors. Retryable ones are consumed by the fallback resolver;
// fatal ones propagate immediately.
var (
	ErrRateLimit          = classed("rate limit exceeded", ErrRetryable)
	ErrQuotaExceeded      = classed("quota exceeded", ErrRetryable)
	ErrServiceUnavailable = classed("service unavailable", ErrRetryable)
	ErrModelNotFound      = classed("model not found", ErrRetryable)

	ErrBackendUnavailable = classed("backend not available", ErrUnavailable)
	ErrTransport          = classed("transport failure", ErrUnavailable)

	ErrInvalidInput      = classed("invalid input", ErrFatal)
	ErrAuthInvalid       = classed("authentication failed", ErrFatal)
	ErrRemoteAuth        = classed("remote daemon rejected credentials", ErrFatal)
	ErrProtocol          = classed("protocol violation", ErrFatal)
	ErrExecutionFailed   = classed("execution failed", ErrFatal)
	ErrStreamInterrupted = classed("stream interrupted", ErrFatal)
	ErrFallbackExhausted = classed("fallback chain exhausted", ErrFatal)

	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrBackendNotFound   = fmt.Errorf("backend %w", ErrNotFound)
	ErrInstanceNotFound  = fmt.Errorf("instance %w", ErrNotFound)
	ErrEndpointNotFound  = fmt.Errorf("remote endpoint %w", ErrNotFound)
	ErrInstanceDestroyed = errors.New("instance destroyed")
	ErrNoActiveAgent     = errors.New("no active agent in this channel")
)

// ErrorClass is the taxonomy bucket of an error.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassUnavailable
	ClassRetryable
	ClassCancelled
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassUnavailable:
		return "unavailable"
	case ClassRetryable:
		return "retryable"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify maps err onto the taxonomy. Unclassified errors are fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var exhausted *ExhaustedError
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &exhausted), errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrRetryable):
		return ClassRetryable
	case errors.Is(err, ErrUnavailable):
		return ClassUnavailable
	default:
		return ClassFatal
	}
}

// IsCancelled reports whether err represents caller-initiated cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == ClassCancelled
}

// Checkpoint is the single cancellation checkpoint used by every adapter.
// It returns an ErrCancelled-wrapping error once ctx is done.
func Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	default:
		return nil
	}
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ExecutionError is returned by adapters when a run fails after it started.
// Partial holds whatever output had been accumulated.
type ExecutionError struct {
	BackendID string
	Model     string
	Partial   string
	Err       error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.BackendID)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Partial != "" {
		fmt.Fprintf(&b, " (%d bytes of partial output)", len(e.Partial))
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Attempt records one try made by the fallback resolver.
type Attempt struct {
	BackendID string
	Model     string
	Err       error
}

// ExhaustedError is returned once every model in a fallback chain failed.
type ExhaustedError struct {
	Requested string
	Attempts  []Attempt
	Last      error
}

// Models returns the attempted models in order.
func (e *ExhaustedError) Models() []string {
	models := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		models[i] = a.Model
	}
	return models
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s for %q: attempted models [%s]: last error: %v",
		ErrFallbackExhausted, e.Requested, strings.Join(e.Models(), ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrFallbackExhausted, e.Last} }

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeTransport          ErrorCode = "TRANSPORT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRemoteAuth         ErrorCode = "REMOTE_AUTH"
	CodeProtocol           ErrorCode = "PROTOCOL"
	CodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	CodeStreamInterrupted  ErrorCode = "STREAM_INTERRUPTED"
	CodeFallbackExhausted  ErrorCode = "FALLBACK_EXHAUSTED"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeBackendNotFound    ErrorCode = "BACKEND_NOT_FOUND"
	CodeInstanceNotFound   ErrorCode = "INSTANCE_NOT_FOUND"
	CodeEndpointNotFound   ErrorCode = "ENDPOINT_NOT_FOUND"
	CodeInstanceDestroyed  ErrorCode = "INSTANCE_DESTROYED"
	CodeNoActiveAgent      ErrorCode = "NO_ACTIVE_AGENT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
)

// errorCodes is ordered from most to least specific.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrFallbackExhausted, CodeFallbackExhausted},
	{ErrCancelled, CodeCancelled},
	{ErrRateLimit, CodeRateLimit},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrServiceUnavailable, CodeServiceUnavailable},
	{ErrModelNotFound, CodeModelNotFound},
	{ErrBackendUnavailable, CodeBackendUnavailable},
	{ErrTransport, CodeTransport},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRemoteAuth, CodeRemoteAuth},
	{ErrProtocol, CodeProtocol},
	{ErrExecutionFailed, CodeExecutionFailed},
	{ErrStreamInterrupted, CodeStreamInterrupted},
	{ErrBackendNotFound, CodeBackendNotFound},
	{ErrInstanceNotFound, CodeInstanceNotFound},
	{ErrEndpointNotFound, CodeEndpointNotFound},
	{ErrInstanceDestroyed, CodeInstanceDestroyed},
	{ErrNoActiveAgent, CodeNoActiveAgent},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.sentinel) {
			return ec.code
		}
	}
	return CodeUnknown
}

func joinMessages(msgs []string) string {
	return strings.Join(msgs, "; ")
}

// SentinelOf returns the sentinel registered for code, or nil.
func SentinelOf(code ErrorCode) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.sentinel
		}
	}
	return nil
}
