package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProviderOptions is the per-kind option set carried in ExecuteOptions.
// Each backend kind accepts exactly one concrete type.
type ProviderOptions interface {
	Kind() BackendKind
}

// CLIOptions tune a subprocess CLI run.
type CLIOptions struct {
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (CLIOptions) Kind() BackendKind { return KindSubprocessCLI }

// IDEOptions tune an IDE-extension CLI run.
type IDEOptions struct {
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Mode      string            `json:"mode,omitempty"` // e.g. "agent", "ask"
}

func (IDEOptions) Kind() BackendKind { return KindIDEExtension }

// HostedAPIOptions tune a hosted HTTP API request.
type HostedAPIOptions struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

func (HostedAPIOptions) Kind() BackendKind { return KindHostedAPI }

// RemoteOptions select what the remote daemon runs.
type RemoteOptions struct {
	TargetBackend string `json:"target_backend,omitempty"`
	AgentType     string `json:"agent_type,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	// TargetOptions are decoded by the daemon against the kind of the
	// backend it selects.
	TargetOptions json.RawMessage `json:"target_options,omitempty"`
}

func (RemoteOptions) Kind() BackendKind { return KindRemote }

// DecodeProviderOptions decodes raw JSON into the option type for kind.
// Unknown keys are rejected.
func DecodeProviderOptions(kind BackendKind, raw []byte) (ProviderOptions, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var target ProviderOptions
	switch kind {
	case KindSubprocessCLI:
		target = &CLIOptions{}
	case KindIDEExtension:
		target = &IDEOptions{}
	case KindHostedAPI:
		target = &HostedAPIOptions{}
	case KindRemote:
		target = &RemoteOptions{}
	default:
		return nil, NewDomainError("DecodeProviderOptions", ErrInvalidInput, fmt.Sprintf("unknown backend kind %q", kind))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, NewDomainError("DecodeProviderOptions", ErrInvalidInput, fmt.Sprintf("%s options: %v", kind, err))
	}

	switch v := target.(type) {
	case *CLIOptions:
		return *v, nil
	case *IDEOptions:
		return *v, nil
	case *HostedAPIOptions:
		return *v, nil
	case *RemoteOptions:
		return *v, nil
	}
	return target, nil
}

// CheckProviderOptions returns a message when opts does not belong to kind.
// A nil opts is always acceptable.
func CheckProviderOptions(kind BackendKind, opts ProviderOptions) string {
	if opts == nil {
		return ""
	}
	if opts.Kind() != kind {
		return fmt.Sprintf("provider options for %s passed to %s backend", opts.Kind(), kind)
	}
	return ""
}
