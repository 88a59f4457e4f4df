package fallback

import (
	"errors"

	"conduit/internal/domain"
)

// Classification is the result of inspecting one execution failure.
type Classification struct {
	Original error
	Class    domain.ErrorClass
	// Sentinel is the retryable sentinel that matched, or nil.
	Sentinel error
	// FromSignature is set when the match came from the error text rather
	// than a typed sentinel.
	FromSignature bool
}

// Retryable reports whether the failure should consume a fallback step.
func (c Classification) Retryable() bool { return c.Class == domain.ClassRetryable }

// retryableSentinels are checked in order against typed errors.
var retryableSentinels = []error{
	domain.ErrRateLimit,
	domain.ErrQuotaExceeded,
	domain.ErrServiceUnavailable,
	domain.ErrModelNotFound,
}

// Classify maps err onto the taxonomy. Typed errors decide first: a
// cancelled, unavailable or auth error is never reclassified by its text.
// Generic execution failures, invalid input and untyped errors are
// checked against the known rate-limit, quota and availability signatures.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: domain.ClassNone}
	}

	class := domain.Classify(err)
	switch class {
	case domain.ClassCancelled, domain.ClassUnavailable:
		return Classification{Original: err, Class: class}
	case domain.ClassRetryable:
		for _, s := range retryableSentinels {
			if errors.Is(err, s) {
				return Classification{Original: err, Class: class, Sentinel: s}
			}
		}
		return Classification{Original: err, Class: class}
	}

	if errors.Is(err, domain.ErrFatal) && !textDecides(err) {
		return Classification{Original: err, Class: domain.ClassFatal}
	}
	if s := domain.MatchSignature(err.Error()); s != nil {
		return Classification{Original: err, Class: domain.ClassRetryable, Sentinel: s, FromSignature: true}
	}
	return Classification{Original: err, Class: domain.ClassFatal}
}

// textDecides reports whether a fatal err is generic enough that its
// message may still mark it retryable. Exhausted chains, auth rejections
// and protocol violations stay terminal.
func textDecides(err error) bool {
	var exhausted *domain.ExhaustedError
	switch {
	case errors.As(err, &exhausted),
		errors.Is(err, domain.ErrAuthInvalid),
		errors.Is(err, domain.ErrRemoteAuth),
		errors.Is(err, domain.ErrProtocol),
		errors.Is(err, domain.ErrStreamInterrupted):
		return false
	}
	return errors.Is(err, domain.ErrExecutionFailed) || errors.Is(err, domain.ErrInvalidInput)
}

// ShouldTriggerFallback reports whether err is a transient quota, rate-limit
// or availability failure that the resolver may answer with the next model.
func ShouldTriggerFallback(err error) bool {
	return Classify(err).Retryable()
}
