package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/infra/tracer"
)

// OpenAIBackend implements domain.Backend for any OpenAI-compatible chat
// completions API.
type OpenAIBackend struct {
	desc    domain.BackendDescriptor
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIBackend creates a hosted-api backend.
func NewOpenAIBackend(cfg config.BackendConfig, logger *slog.Logger) *OpenAIBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	models := cfg.Models
	if cfg.DefaultModel != "" && !contains(models, cfg.DefaultModel) {
		models = append([]string{cfg.DefaultModel}, models...)
	}

	return &OpenAIBackend{
		desc: domain.BackendDescriptor{
			ID:     cfg.ID,
			Name:   name,
			Kind:   domain.KindHostedAPI,
			Models: models,
			Capabilities: domain.Capabilities{
				Streaming: true,
				ToolCalls: true,
			},
		},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Descriptor implements domain.Backend.
func (b *OpenAIBackend) Descriptor() domain.BackendDescriptor { return b.desc }

// Available implements domain.Backend. Without credentials the backend can
// never run, so this is a pure configuration check.
func (b *OpenAIBackend) Available(context.Context) bool { return b.apiKey != "" }

// Models implements domain.Backend. It asks the API and falls back to the
// configured list on any failure.
func (b *OpenAIBackend) Models(ctx context.Context) []string {
	if b.apiKey == "" {
		return b.desc.Models
	}
	models, err := b.fetchModels(ctx)
	if err != nil || len(models) == 0 {
		b.logger.Debug("model listing failed, using static list", "backend", b.desc.ID, "error", err)
		return b.desc.Models
	}
	return models
}

func (b *OpenAIBackend) fetchModels(ctx context.Context) ([]string, error) {
	body, err := doJSONRequest(ctx, b.client, http.MethodGet, b.baseURL+"/models", nil, b.headers())
	if err != nil {
		return nil, err
	}
	var resp openaiModelList
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode models: %v", domain.ErrProtocol, err)
	}
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Status implements domain.Backend.
func (b *OpenAIBackend) Status(ctx context.Context) domain.BackendStatus {
	st := domain.BackendStatus{LastChecked: time.Now(), Metadata: map[string]string{"base_url": b.baseURL}}
	if b.apiKey == "" {
		st.Message = "api key not configured"
		return st
	}
	models, err := b.fetchModels(ctx)
	if err != nil {
		st.Message = err.Error()
		return st
	}
	st.Available = true
	st.Message = fmt.Sprintf("%d models listed", len(models))
	return st
}

// ValidateOptions implements domain.Backend.
func (b *OpenAIBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	errs := validateCommon(b.desc, opts)
	if o, ok := opts.Provider.(domain.HostedAPIOptions); ok && o.TopP != nil {
		if *o.TopP <= 0 || *o.TopP > 1 {
			errs = append(errs, fmt.Sprintf("top_p %.2f out of range (0, 1]", *o.TopP))
		}
	}
	return validation(errs)
}

// Execute implements domain.Backend.
func (b *OpenAIBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	model := modelOrDefault(b.desc, opts.Model)
	ctx, span := tracer.StartSpan(ctx, "backend.execute",
		trace.WithAttributes(
			tracer.StringAttr("backend.id", b.desc.ID),
			tracer.StringAttr("backend.model", model),
			tracer.BoolAttr("backend.stream", opts.Stream),
		),
	)
	defer span.End()

	res, err := b.execute(ctx, prompt, model, opts, onChunk)
	tracer.Finish(span, err)
	return res, err
}

func (b *OpenAIBackend) execute(ctx context.Context, prompt, model string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if err := b.ValidateOptions(opts).Err(); err != nil {
		return nil, err
	}
	if err := domain.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if b.apiKey == "" {
		return nil, b.fail(model, "", fmt.Errorf("%w: api key not configured", domain.ErrBackendUnavailable))
	}

	start := time.Now()
	req := b.buildRequest(prompt, model, opts)

	if opts.Stream && onChunk != nil {
		return b.executeStream(ctx, req, start, onChunk)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, b.fail(model, "", fmt.Errorf("%w: marshal request: %v", domain.ErrInvalidInput, err))
	}
	respBody, err := doJSONRequest(ctx, b.client, http.MethodPost, b.baseURL+"/chat/completions", body, b.headers())
	if err != nil {
		return nil, b.fail(model, "", err)
	}

	var resp openaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, b.fail(model, "", fmt.Errorf("%w: unmarshal response: %v", domain.ErrProtocol, err))
	}
	if len(resp.Choices) == 0 {
		return nil, b.fail(model, "", fmt.Errorf("%w: response has no choices", domain.ErrProtocol))
	}

	choice := resp.Choices[0]
	result := &domain.ExecuteResult{
		Text:      choice.Message.Content,
		Duration:  time.Since(start),
		ModelUsed: firstNonEmpty(resp.Model, model),
		BackendID: b.desc.ID,
		SessionID: resp.ID,
		Metadata:  usageMetadata(choice.FinishReason, &resp.Usage),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	b.logCompleted(result)
	return result, nil
}

func (b *OpenAIBackend) executeStream(ctx context.Context, req openaiRequest, start time.Time, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	req.Stream = true
	req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, b.fail(req.Model, "", fmt.Errorf("%w: marshal request: %v", domain.ErrInvalidInput, err))
	}

	httpResp, err := doStreamRequest(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers())
	if err != nil {
		return nil, b.fail(req.Model, "", err)
	}
	defer httpResp.Body.Close()

	sink := NewChunkSink(ctx, onChunk)
	var (
		modelUsed    = req.Model
		responseID   string
		finishReason string
		usage        *openaiUsage
		toolCalls    []domain.ToolCall
	)
	err = ReadSSE(ctx, httpResp.Body, func(data []byte) error {
		var chunk openaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			b.logger.Debug("skipping unparseable stream line", "backend", b.desc.ID, "error", err)
			return nil
		}
		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.ID != "" {
			responseID = chunk.ID
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		c := chunk.Choices[0]
		toolCalls = mergeToolCallDeltas(toolCalls, c.Delta.ToolCalls)
		if c.FinishReason != nil && *c.FinishReason != "" {
			finishReason = *c.FinishReason
		}
		return sink.Emit(c.Delta.Content)
	})
	if err != nil {
		return nil, b.fail(modelUsed, sink.Text(), err)
	}

	result := &domain.ExecuteResult{
		Text:      sink.Text(),
		Duration:  time.Since(start),
		ModelUsed: modelUsed,
		BackendID: b.desc.ID,
		ToolCalls: toolCalls,
		SessionID: responseID,
		Metadata:  usageMetadata(finishReason, usage),
	}
	b.logCompleted(result)
	return result, nil
}

func (b *OpenAIBackend) buildRequest(prompt, model string, opts domain.ExecuteOptions) openaiRequest {
	var msgs []openaiMessage
	var hosted domain.HostedAPIOptions
	if o, ok := opts.Provider.(domain.HostedAPIOptions); ok {
		hosted = o
	}
	if hosted.SystemPrompt != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: hosted.SystemPrompt})
	}
	msgs = append(msgs, openaiMessage{Role: "user", Content: prompt})

	req := openaiRequest{
		Model:    model,
		Messages: msgs,
		TopP:     hosted.TopP,
		Stop:     hosted.Stop,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		t := *opts.Temperature
		req.Temperature = &t
	}
	return req
}

func (b *OpenAIBackend) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + b.apiKey}
}

func (b *OpenAIBackend) fail(model, partial string, err error) error {
	return &domain.ExecutionError{BackendID: b.desc.ID, Model: model, Partial: partial, Err: err}
}

func (b *OpenAIBackend) logCompleted(res *domain.ExecuteResult) {
	b.logger.Debug("backend execute completed",
		"backend", b.desc.ID,
		"model", res.ModelUsed,
		"duration", res.Duration,
		"chars", len(res.Text),
	)
}

// mergeToolCallDeltas folds streamed tool-call fragments into complete calls.
// Fragments for the same call share an index; arguments arrive in pieces.
func mergeToolCallDeltas(calls []domain.ToolCall, deltas []openaiToolCall) []domain.ToolCall {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		for len(calls) <= idx {
			calls = append(calls, domain.ToolCall{})
		}
		if d.ID != "" {
			calls[idx].ID = d.ID
		}
		if d.Function.Name != "" {
			calls[idx].Name = d.Function.Name
		}
		calls[idx].Arguments += d.Function.Arguments
	}
	return calls
}

func usageMetadata(finishReason string, u *openaiUsage) map[string]string {
	md := map[string]string{}
	if finishReason != "" {
		md["finish_reason"] = finishReason
	}
	if u != nil {
		md["prompt_tokens"] = strconv.Itoa(u.PromptTokens)
		md["completion_tokens"] = strconv.Itoa(u.CompletionTokens)
		md["total_tokens"] = strconv.Itoa(u.TotalTokens)
	}
	return md
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ domain.Backend = (*OpenAIBackend)(nil)

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
