package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrBackendNotFound, "backend 'foo'")
	want := "Registry.Get: backend 'foo': backend not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Instance.Destroy", ErrInstanceNotFound, "")
	want := "Instance.Destroy: instance not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Backend.Execute", ErrRateLimit, "openai")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Backend.Execute" {
		t.Errorf("Op = %q, want %q", de.Op, "Backend.Execute")
	}
	if !errors.Is(err, ErrRetryable) {
		t.Error("rate limit should unwrap to ErrRetryable")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"rate limit", ErrRateLimit, ClassRetryable},
		{"wrapped quota", fmt.Errorf("call: %w", ErrQuotaExceeded), ClassRetryable},
		{"model not found", ErrModelNotFound, ClassRetryable},
		{"unavailable", ErrBackendUnavailable, ClassUnavailable},
		{"transport", ErrTransport, ClassUnavailable},
		{"auth", ErrAuthInvalid, ClassFatal},
		{"remote auth", ErrRemoteAuth, ClassFatal},
		{"cancelled sentinel", ErrCancelled, ClassCancelled},
		{"context canceled", context.Canceled, ClassCancelled},
		{"unknown", errors.New("boom"), ClassFatal},
		{"execution error keeps class", &ExecutionError{BackendID: "b", Err: ErrServiceUnavailable}, ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_ExhaustedIsFatal(t *testing.T) {
	err := &ExhaustedError{
		Requested: "m1",
		Attempts:  []Attempt{{Model: "m1", Err: ErrRateLimit}},
		Last:      ErrRateLimit,
	}
	assert.Equal(t, ClassFatal, Classify(err))
	assert.True(t, errors.Is(err, ErrRateLimit), "last error stays reachable")
	assert.True(t, errors.Is(err, ErrFallbackExhausted))
}

func TestCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, Checkpoint(ctx))

	cancel()
	err := Checkpoint(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
}

func TestExecutionError(t *testing.T) {
	err := &ExecutionError{BackendID: "remote:lab", Model: "m", Partial: "hello", Err: ErrStreamInterrupted}
	assert.Equal(t, "remote:lab/m: stream interrupted (5 bytes of partial output)", err.Error())
	assert.ErrorIs(t, err, ErrFatal)

	var ee *ExecutionError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &ee))
	assert.Equal(t, "hello", ee.Partial)
}

func TestExhaustedErrorListsModels(t *testing.T) {
	err := &ExhaustedError{
		Requested: "tier-1-preview",
		Attempts: []Attempt{
			{Model: "tier-1-preview", Err: ErrRateLimit},
			{Model: "tier-1", Err: ErrQuotaExceeded},
			{Model: "tier-0", Err: ErrServiceUnavailable},
		},
		Last: ErrServiceUnavailable,
	}
	assert.Equal(t, []string{"tier-1-preview", "tier-1", "tier-0"}, err.Models())
	assert.Contains(t, err.Error(), "[tier-1-preview, tier-1, tier-0]")
	assert.Contains(t, err.Error(), "service unavailable")
}

// --- ErrorCode tests ---

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeBackendNotFound, ErrorCodeOf(ErrBackendNotFound))
	assert.Equal(t, CodeNoActiveAgent, ErrorCodeOf(ErrNoActiveAgent))
	assert.Equal(t, CodeCancelled, ErrorCodeOf(fmt.Errorf("x: %w", ErrCancelled)))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("other")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_ExhaustedBeatsLast(t *testing.T) {
	err := &ExhaustedError{Last: ErrRateLimit}
	assert.Equal(t, CodeFallbackExhausted, ErrorCodeOf(err))
}

func TestSentinelOf(t *testing.T) {
	assert.Equal(t, ErrQuotaExceeded, SentinelOf(CodeQuotaExceeded))
	assert.Nil(t, SentinelOf(ErrorCode("NOPE")))
}

func TestOptionsValidationErr(t *testing.T) {
	assert.NoError(t, OptionsValidation{Valid: true}.Err())

	err := OptionsValidation{Errors: []string{"a", "b"}}.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "a; b")
}
