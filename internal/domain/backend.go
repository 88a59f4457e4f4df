package domain

import (
	"context"
	"time"
)

// BackendKind identifies the execution mechanism behind a backend.
type BackendKind string

const (
	KindSubprocessCLI BackendKind = "subprocess-cli"
	KindHostedAPI     BackendKind = "hosted-api"
	KindIDEExtension  BackendKind = "ide-extension"
	KindRemote        BackendKind = "remote"
)

// Valid reports whether k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	switch k {
	case KindSubprocessCLI, KindHostedAPI, KindIDEExtension, KindRemote:
		return true
	}
	return false
}

// Capabilities are the feature flags a backend advertises.
type Capabilities struct {
	Streaming bool `json:"streaming" yaml:"streaming"`
	ToolCalls bool `json:"tool_calls" yaml:"tool_calls"`
	Sandbox   bool `json:"sandbox" yaml:"sandbox"`
	Resume    bool `json:"resume" yaml:"resume"`
	Workspace bool `json:"workspace" yaml:"workspace"`
}

// BackendDescriptor describes a registered backend. ID never changes once
// the backend has been registered.
type BackendDescriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         BackendKind  `json:"kind"`
	Models       []string     `json:"models"`
	Capabilities Capabilities `json:"capabilities"`
}

// Serves reports whether model appears in the descriptor's model list.
func (d BackendDescriptor) Serves(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// SandboxMode controls how much a backend may touch the host.
type SandboxMode string

const (
	SandboxDefault   SandboxMode = ""
	SandboxReadOnly  SandboxMode = "read-only"
	SandboxWorkspace SandboxMode = "workspace-write"
	SandboxFull      SandboxMode = "danger-full-access"
)

// ExecuteOptions configure a single Execute call. Cancellation is carried by
// the context passed alongside the options.
type ExecuteOptions struct {
	Model         string          `json:"model,omitempty"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"` // nil leaves the provider default
	Sandbox       SandboxMode     `json:"sandbox,omitempty"`
	ForceApproval bool            `json:"force_approval,omitempty"`
	ResumeToken   string          `json:"resume_token,omitempty"`
	Provider      ProviderOptions `json:"-"`
}

// ToolCall is a structured tool invocation reported by a backend.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ExecuteResult is the final outcome of a successful Execute call.
// ModelUsed always names the model that actually produced Text.
type ExecuteResult struct {
	Text      string            `json:"text"`
	Duration  time.Duration     `json:"duration"`
	ModelUsed string            `json:"model_used"`
	BackendID string            `json:"backend_id"`
	Cost      *float64          `json:"cost,omitempty"`
	ToolCalls []ToolCall        `json:"tool_calls,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BackendStatus is the result of a status probe.
type BackendStatus struct {
	Available   bool              `json:"available"`
	LastChecked time.Time         `json:"last_checked"`
	Message     string            `json:"message,omitempty"`
	Version     string            `json:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OptionsValidation is the result of ValidateOptions.
type OptionsValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err returns nil for a valid result and an ErrInvalidInput-wrapping error
// listing every problem otherwise.
func (v OptionsValidation) Err() error {
	if v.Valid {
		return nil
	}
	return NewDomainError("ValidateOptions", ErrInvalidInput, joinMessages(v.Errors))
}

// ChunkFunc receives incremental output. Each call carries only new text.
type ChunkFunc func(delta string)

// Backend is the uniform contract every execution engine implements.
type Backend interface {
	// Descriptor returns the immutable identity of the backend.
	Descriptor() BackendDescriptor
	// Available is a cheap availability probe. It may be cached.
	Available(ctx context.Context) bool
	// Models lists supported models. It never fails; on error it returns
	// the static list from the descriptor.
	Models(ctx context.Context) []string
	// Execute runs prompt. When onChunk is non-nil and opts.Stream is set,
	// output is delivered incrementally and the concatenation of all chunks
	// equals the returned Text. Cancellation of ctx yields ErrCancelled.
	Execute(ctx context.Context, prompt string, opts ExecuteOptions, onChunk ChunkFunc) (*ExecuteResult, error)
	// Status probes the backend. Failures are captured in the result.
	Status(ctx context.Context) BackendStatus
	// ValidateOptions checks opts without doing any I/O.
	ValidateOptions(opts ExecuteOptions) OptionsValidation
}
