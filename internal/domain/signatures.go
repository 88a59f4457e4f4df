package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// retryableSignatures map lower-cased message fragments to the sentinel they
// indicate. Order matters: the first match wins.
var retryableSignatures = []struct {
	pattern  string
	sentinel error
}{
	{"rate limit exceeded", ErrRateLimit},
	{"rate_limit_exceeded", ErrRateLimit},
	{"too many requests", ErrRateLimit},
	{"quota exceeded", ErrQuotaExceeded},
	{"resource_exhausted", ErrQuotaExceeded},
	{"exceeded your current quota", ErrQuotaExceeded},
	{"service unavailable", ErrServiceUnavailable},
	{"overloaded", ErrServiceUnavailable},
	{"model not found", ErrModelNotFound},
	{"model_not_found", ErrModelNotFound},
}

// statusPattern finds an HTTP-like status code in free text, e.g.
// "Error 429", "API error 503:", "status 429".
var statusPattern = regexp.MustCompile(`(?i)\b(?:error|status|http)\s*:?\s*(\d{3})\b`)

// MatchSignature returns the retryable sentinel whose signature appears in
// msg, or nil. This is the one place free-text failure output is inspected.
func MatchSignature(msg string) error {
	lower := strings.ToLower(msg)
	for _, s := range retryableSignatures {
		if strings.Contains(lower, s.pattern) {
			return s.sentinel
		}
	}
	for _, m := range statusPattern.FindAllStringSubmatch(msg, -1) {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch code {
		case 429:
			return ErrRateLimit
		case 503:
			return ErrServiceUnavailable
		}
	}
	return nil
}
