package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSignature(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Rate limit exceeded", ErrRateLimit},
		{"Quota exceeded for metric generate_content", ErrQuotaExceeded},
		{"Error 429", ErrRateLimit},
		{"Error 503", ErrServiceUnavailable},
		{"API error 503: upstream down", ErrServiceUnavailable},
		{"Service Unavailable", ErrServiceUnavailable},
		{"model not found: gemini-9", ErrModelNotFound},
		{"RESOURCE_EXHAUSTED", ErrQuotaExceeded},
		{"internal error: nil map write", nil},
		{"Error 500", nil},
		{"processed 4290 tokens", nil},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSignature(tt.msg))
		})
	}
}
