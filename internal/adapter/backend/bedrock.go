//go:build bedrock

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockBackend implements domain.Backend via the AWS Bedrock Converse API.
type BedrockBackend struct {
	desc   domain.BackendDescriptor
	region string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockBackend creates a hosted-api backend using the default AWS
// credential chain.
func NewBedrockBackend(cfg config.BackendConfig, logger *slog.Logger) (*BedrockBackend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockBackendWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

// newBedrockBackendWithClient creates a BedrockBackend with an injected client (for testing).
func newBedrockBackendWithClient(cfg config.BackendConfig, client bedrockConverseAPI, logger *slog.Logger) *BedrockBackend {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	models := cfg.Models
	if cfg.DefaultModel != "" && !contains(models, cfg.DefaultModel) {
		models = append([]string{cfg.DefaultModel}, models...)
	}
	return &BedrockBackend{
		desc: domain.BackendDescriptor{
			ID:           cfg.ID,
			Name:         name,
			Kind:         domain.KindHostedAPI,
			Models:       models,
			Capabilities: domain.Capabilities{Streaming: true},
		},
		region: cfg.Region,
		client: client,
		logger: logger,
	}
}

// Descriptor implements domain.Backend.
func (b *BedrockBackend) Descriptor() domain.BackendDescriptor { return b.desc }

// Available implements domain.Backend. Credentials resolve lazily, so a
// configured client is treated as available.
func (b *BedrockBackend) Available(context.Context) bool { return b.client != nil }

// Models implements domain.Backend.
func (b *BedrockBackend) Models(context.Context) []string { return b.desc.Models }

// Status implements domain.Backend.
func (b *BedrockBackend) Status(context.Context) domain.BackendStatus {
	return domain.BackendStatus{
		Available:   b.client != nil,
		LastChecked: time.Now(),
		Metadata:    map[string]string{"region": b.region},
	}
}

// ValidateOptions implements domain.Backend.
func (b *BedrockBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	return validation(validateCommon(b.desc, opts))
}

// Execute implements domain.Backend.
func (b *BedrockBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
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

func (b *BedrockBackend) execute(ctx context.Context, prompt, model string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if err := b.ValidateOptions(opts).Err(); err != nil {
		return nil, err
	}
	if err := domain.Checkpoint(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	input := toBedrockConverseInput(prompt, model, opts)

	if opts.Stream && onChunk != nil {
		return b.executeStream(ctx, input, start, onChunk)
	}

	output, err := b.client.Converse(ctx, input)
	if err != nil {
		return nil, b.fail(model, "", mapBedrockError(ctx, err))
	}

	result := &domain.ExecuteResult{
		Duration:  time.Since(start),
		ModelUsed: model,
		BackendID: b.desc.ID,
		Metadata:  map[string]string{"stop_reason": string(output.StopReason)},
	}
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				result.Text += t.Value
			}
		}
	}
	bedrockUsage(result.Metadata, output.Usage)
	return result, nil
}

func (b *BedrockBackend) executeStream(ctx context.Context, input *bedrockruntime.ConverseInput, start time.Time, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	model := aws.ToString(input.ModelId)
	output, err := b.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
	})
	if err != nil {
		return nil, b.fail(model, "", mapBedrockError(ctx, err))
	}
	stream := output.GetStream()
	defer stream.Close()

	sink := NewChunkSink(ctx, onChunk)
	md := map[string]string{}
	events := stream.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			return nil, b.fail(model, sink.Text(), domain.Checkpoint(ctx))
		case evt, ok := <-events:
			if !ok {
				break loop
			}
			switch e := evt.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					if err := sink.Emit(d.Value); err != nil {
						return nil, b.fail(model, sink.Text(), err)
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				md["stop_reason"] = string(e.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				bedrockUsage(md, e.Value.Usage)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return nil, b.fail(model, sink.Text(), cerr)
		}
		return nil, b.fail(model, sink.Text(), fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err))
	}

	return &domain.ExecuteResult{
		Text:      sink.Text(),
		Duration:  time.Since(start),
		ModelUsed: model,
		BackendID: b.desc.ID,
		Metadata:  md,
	}, nil
}

func (b *BedrockBackend) fail(model, partial string, err error) error {
	return &domain.ExecutionError{BackendID: b.desc.ID, Model: model, Partial: partial, Err: err}
}

func toBedrockConverseInput(prompt, model string, opts domain.ExecuteOptions) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if opts.Temperature != nil {
		input.InferenceConfig.Temperature = aws.Float32(float32(*opts.Temperature))
	}

	if o, ok := opts.Provider.(domain.HostedAPIOptions); ok {
		if o.SystemPrompt != "" {
			input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: o.SystemPrompt}}
		}
		if o.TopP != nil {
			input.InferenceConfig.TopP = aws.Float32(float32(*o.TopP))
		}
		input.InferenceConfig.StopSequences = o.Stop
	}
	return input
}

func bedrockUsage(md map[string]string, u *types.TokenUsage) {
	if u == nil {
		return
	}
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	md["prompt_tokens"] = strconv.Itoa(in)
	md["completion_tokens"] = strconv.Itoa(out)
	md["total_tokens"] = strconv.Itoa(in + out)
}

// mapBedrockError maps AWS API error codes onto the failure taxonomy.
func mapBedrockError(ctx context.Context, err error) error {
	if cerr := domain.Checkpoint(ctx); cerr != nil {
		return cerr
	}
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, msg)
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case "ResourceNotFoundException":
			return fmt.Errorf("%w: %s", domain.ErrModelNotFound, msg)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrServiceUnavailable, msg)
		case "ValidationException":
			return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrExecutionFailed, msg)
}

var _ domain.Backend = (*BedrockBackend)(nil)
