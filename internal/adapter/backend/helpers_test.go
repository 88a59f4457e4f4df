package backend

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"conduit/internal/domain"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is a configurable domain.Backend for tests.
type fakeBackend struct {
	desc        domain.BackendDescriptor
	availableFn func(ctx context.Context) bool
	executeFn   func(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error)
}

func newFakeBackend(id string, models ...string) *fakeBackend {
	return &fakeBackend{desc: domain.BackendDescriptor{ID: id, Name: id, Kind: domain.KindHostedAPI, Models: models}}
}

func (f *fakeBackend) Descriptor() domain.BackendDescriptor { return f.desc }

func (f *fakeBackend) Available(ctx context.Context) bool {
	if f.availableFn != nil {
		return f.availableFn(ctx)
	}
	return true
}

func (f *fakeBackend) Models(context.Context) []string { return f.desc.Models }

func (f *fakeBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if f.executeFn != nil {
		return f.executeFn(ctx, prompt, opts, onChunk)
	}
	return &domain.ExecuteResult{Text: "ok", BackendID: f.desc.ID, ModelUsed: opts.Model}, nil
}

func (f *fakeBackend) Status(ctx context.Context) domain.BackendStatus {
	return domain.BackendStatus{Available: f.Available(ctx)}
}

func (f *fakeBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	return validation(validateCommon(f.desc, opts))
}
