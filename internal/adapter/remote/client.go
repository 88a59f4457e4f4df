package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"conduit/internal/adapter/backend"
	"conduit/internal/domain"
	"conduit/internal/infra/tracer"
)

// maxReplyBody bounds non-streaming daemon replies.
const maxReplyBody = 10 * 1024 * 1024

// Backend drives a remote daemon through the backend contract. Its
// availability is whatever the last health poll found; Execute never
// probes.
type Backend struct {
	endpoint domain.RemoteEndpoint
	desc     domain.BackendDescriptor
	baseURL  string
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	status domain.BackendStatus
}

var _ domain.Backend = (*Backend)(nil)

// NewBackend creates a client for ep. The descriptor is fixed at
// construction; refreshed capabilities require a new Backend registered
// under the same id.
func NewBackend(ep domain.RemoteEndpoint, client *http.Client, logger *slog.Logger) *Backend {
	name := ep.Name
	if name == "" {
		name = ep.ID
	}
	return &Backend{
		endpoint: ep,
		desc: domain.BackendDescriptor{
			ID:     BackendID(ep.ID),
			Name:   name,
			Kind:   domain.KindRemote,
			Models: append([]string(nil), ep.Models...),
			Capabilities: domain.Capabilities{
				Streaming: true,
				ToolCalls: ep.Capabilities["tool_calls"],
				Sandbox:   ep.Capabilities["sandbox"],
				Resume:    ep.Capabilities["resume"],
				Workspace: ep.Capabilities["workspace"],
			},
		},
		baseURL: strings.TrimRight(ep.BaseURL, "/"),
		client:  client,
		logger:  logger.With("backend", BackendID(ep.ID)),
		status: domain.BackendStatus{
			Available:   ep.Status == domain.RemoteOnline,
			LastChecked: ep.LastChecked,
			Message:     ep.Message,
		},
	}
}

// Descriptor implements domain.Backend.
func (b *Backend) Descriptor() domain.BackendDescriptor { return b.desc }

// Endpoint returns the endpoint this backend was built from.
func (b *Backend) Endpoint() domain.RemoteEndpoint { return b.endpoint }

// Available reports the result of the last health poll.
func (b *Backend) Available(context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Available
}

// Models returns the models the daemon advertised at construction.
func (b *Backend) Models(context.Context) []string {
	return append([]string(nil), b.desc.Models...)
}

// Status polls the daemon now. Failures are captured in the result.
func (b *Backend) Status(ctx context.Context) domain.BackendStatus {
	_, _ = b.Poll(ctx)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Poll fetches the health document and records the outcome as the
// availability used by Available. A rejected secret yields ErrRemoteAuth.
func (b *Backend) Poll(ctx context.Context) (*domain.HealthResponse, error) {
	health, err := b.fetchHealth(ctx)

	st := domain.BackendStatus{LastChecked: time.Now()}
	if err != nil {
		st.Message = err.Error()
	} else {
		st.Available = health.Status == "ok"
		st.Version = health.Version
		st.Message = fmt.Sprintf("%s (%s), %d backends", health.Host, health.OS, len(health.BackendIDs))
		st.Metadata = map[string]string{"host": health.Host, "os": health.OS}
	}
	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
	return health, err
}

// MarkUnavailable records a failed out-of-band probe, for pollers that
// time out before Poll returns.
func (b *Backend) MarkUnavailable(msg string) {
	b.mu.Lock()
	b.status = domain.BackendStatus{LastChecked: time.Now(), Message: msg}
	b.mu.Unlock()
}

func (b *Backend) fetchHealth(ctx context.Context) (*domain.HealthResponse, error) {
	resp, err := b.send(ctx, http.MethodGet, PathHealth, nil, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, b.readFailure(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, replyError(resp.StatusCode, body)
	}
	var health domain.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("%w: decode health: %v", domain.ErrProtocol, err)
	}
	return &health, nil
}

// ValidateOptions implements domain.Backend.
func (b *Backend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	var errs []string
	if msg := domain.CheckProviderOptions(domain.KindRemote, opts.Provider); msg != "" {
		errs = append(errs, msg)
	}
	switch opts.Sandbox {
	case domain.SandboxDefault, domain.SandboxReadOnly, domain.SandboxWorkspace, domain.SandboxFull:
	default:
		errs = append(errs, fmt.Sprintf("unknown sandbox mode %q", opts.Sandbox))
	}
	if opts.MaxTokens < 0 {
		errs = append(errs, "max tokens must not be negative")
	}
	if ro, ok := opts.Provider.(domain.RemoteOptions); ok && len(ro.TargetOptions) > 0 && !json.Valid(ro.TargetOptions) {
		errs = append(errs, "target options are not valid JSON")
	}
	return domain.OptionsValidation{Valid: len(errs) == 0, Errors: errs}
}

// Execute sends prompt to the daemon. With opts.Stream and a callback the
// daemon's output events are forwarded as they arrive; any failure after
// that carries the text received so far.
func (b *Backend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	ctx, span := tracer.StartSpan(ctx, "remote.execute",
		trace.WithAttributes(
			tracer.StringAttr("backend.id", b.desc.ID),
			tracer.StringAttr("remote.url", b.baseURL),
			tracer.StringAttr("model", opts.Model),
		),
	)
	defer span.End()

	res, err := b.execute(ctx, prompt, opts, onChunk)
	tracer.Finish(span, err)
	return res, err
}

func (b *Backend) execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if err := b.ValidateOptions(opts).Err(); err != nil {
		return nil, b.fail(opts.Model, "", err)
	}
	if err := domain.Checkpoint(ctx); err != nil {
		return nil, b.fail(opts.Model, "", err)
	}

	stream := opts.Stream && onChunk != nil
	task := domain.TaskRequest{
		Prompt:      prompt,
		AgentConfig: domain.AgentConfig{Model: opts.Model},
		Options:     toTaskOptions(opts, stream),
	}
	if ro, ok := opts.Provider.(domain.RemoteOptions); ok {
		task.AgentConfig.Backend = ro.TargetBackend
		task.AgentConfig.AgentType = ro.AgentType
		task.AgentConfig.SystemPrompt = ro.SystemPrompt
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, b.fail(opts.Model, "", fmt.Errorf("%w: encode task: %v", domain.ErrInvalidInput, err))
	}

	start := time.Now()
	var res *domain.ExecuteResult
	if stream {
		res, err = b.executeStream(ctx, body, opts.Model, onChunk)
	} else {
		res, err = b.executeOnce(ctx, body, opts.Model)
	}
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	if res.BackendID != "" {
		res.Metadata["remote_backend"] = res.BackendID
	}
	res.BackendID = b.desc.ID
	if res.ModelUsed == "" {
		res.ModelUsed = opts.Model
	}
	b.logger.Info("remote execution completed", "model", res.ModelUsed, "duration", res.Duration, "stream", stream)
	return res, nil
}

func (b *Backend) executeOnce(ctx context.Context, body []byte, model string) (*domain.ExecuteResult, error) {
	resp, err := b.send(ctx, http.MethodPost, PathExecute, body, contentTypeJSON)
	if err != nil {
		return nil, b.fail(model, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, b.fail(model, "", b.readFailure(ctx, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, b.fail(model, "", replyError(resp.StatusCode, raw))
	}

	var reply domain.TaskResult
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, b.fail(model, "", fmt.Errorf("%w: decode reply: %v", domain.ErrProtocol, err))
	}
	if reply.Status != domain.TaskCompleted {
		return nil, b.fail(model, reply.Output, errorFromWire(reply.ErrorCode, reply.Error))
	}
	res := reply.Result
	if res == nil {
		res = &domain.ExecuteResult{}
	}
	if res.Text == "" {
		res.Text = reply.Output
	}
	return res, nil
}

func (b *Backend) executeStream(ctx context.Context, body []byte, model string, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	resp, err := b.send(ctx, http.MethodPost, PathExecute, body, contentTypeSSE)
	if err != nil {
		return nil, b.fail(model, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, b.fail(model, "", replyError(resp.StatusCode, raw))
	}

	sink := backend.NewChunkSink(ctx, onChunk)
	var final *domain.StreamEvent
	err = backend.ReadSSE(ctx, resp.Body, func(data []byte) error {
		var ev domain.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("%w: decode event: %v", domain.ErrProtocol, err)
		}
		if err := sink.Emit(ev.Output); err != nil {
			return err
		}
		if ev.Terminal() {
			final = &ev
			return backend.StopStream()
		}
		return nil
	})
	if err != nil {
		return nil, b.fail(model, sink.Text(), err)
	}
	if final == nil {
		return nil, b.fail(model, sink.Text(), fmt.Errorf("%w: stream ended without a terminal event", domain.ErrStreamInterrupted))
	}
	if final.Status == domain.TaskError {
		return nil, b.fail(model, sink.Text(), errorFromWire(final.ErrorCode, final.Error))
	}

	res := final.Result
	if res == nil {
		res = &domain.ExecuteResult{}
	}
	// The delivered chunks are authoritative for Text.
	if sink.Text() == "" && res.Text != "" {
		if err := sink.Emit(res.Text); err != nil {
			return nil, b.fail(model, "", err)
		}
	}
	res.Text = sink.Text()
	return res, nil
}

// send issues one request. Transport failures are unavailable-class
// unless the caller cancelled.
func (b *Backend) send(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrInvalidInput, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", accept)
	for k, v := range secretHeaders(b.endpoint.Secret) {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return resp, nil
}

func (b *Backend) readFailure(ctx context.Context, err error) error {
	if cerr := domain.Checkpoint(ctx); cerr != nil {
		return cerr
	}
	return fmt.Errorf("%w: read reply: %v", domain.ErrTransport, err)
}

func (b *Backend) fail(model, partial string, err error) error {
	return &domain.ExecutionError{BackendID: b.desc.ID, Model: model, Partial: partial, Err: err}
}

// replyError turns a non-200 daemon reply into the taxonomy. 401 always
// means the shared secret was rejected.
func replyError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", domain.ErrRemoteAuth, strings.TrimSpace(string(body)))
	}
	var reply domain.TaskResult
	if err := json.Unmarshal(body, &reply); err == nil && (reply.ErrorCode != "" || reply.Error != "") {
		return errorFromWire(reply.ErrorCode, reply.Error)
	}
	return backend.MapHTTPError(status, body)
}
