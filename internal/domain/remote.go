package domain

import (
	"encoding/json"
	"time"
)

// RemoteStatus is the last known health of a remote daemon.
type RemoteStatus string

const (
	RemoteUnknown     RemoteStatus = "unknown"
	RemoteOnline      RemoteStatus = "online"
	RemoteUnreachable RemoteStatus = "unreachable"
	RemoteAuthFailed  RemoteStatus = "auth_failed"
)

// RemoteEndpoint describes a remote execution daemon.
type RemoteEndpoint struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	BaseURL      string            `json:"base_url"`
	Secret       string            `json:"-"`
	BackendIDs   []string          `json:"backend_ids,omitempty"`
	Models       []string          `json:"models,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Status       RemoteStatus      `json:"status"`
	Message      string            `json:"message,omitempty"`
	LastChecked  time.Time         `json:"last_checked"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Wire types shared by the daemon and its client.

// HealthResponse is returned by the daemon health path.
type HealthResponse struct {
	Status       string          `json:"status"`
	Host         string          `json:"host"`
	OS           string          `json:"os"`
	Version      string          `json:"version,omitempty"`
	BackendIDs   []string        `json:"backendIds"`
	Models       []string        `json:"models,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
}

// AgentConfig selects what the daemon runs for a task.
type AgentConfig struct {
	Backend      string `json:"backend,omitempty"`
	AgentType    string `json:"agentType,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// TaskOptions is the subset of ExecuteOptions that crosses the wire.
type TaskOptions struct {
	Stream        bool            `json:"stream,omitempty"`
	WorkspacePath string          `json:"workspacePath,omitempty"`
	MaxTokens     int             `json:"maxTokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Sandbox       SandboxMode     `json:"sandbox,omitempty"`
	ForceApproval bool            `json:"forceApproval,omitempty"`
	ResumeToken   string          `json:"resumeToken,omitempty"`
	Provider      json.RawMessage `json:"provider,omitempty"`
}

// TaskRequest is the body of the daemon execution path.
type TaskRequest struct {
	TaskID      string      `json:"taskId"`
	Prompt      string      `json:"prompt"`
	AgentConfig AgentConfig `json:"agentConfig"`
	Options     TaskOptions `json:"options"`
}

// Task statuses on the wire.
const (
	TaskCompleted = "completed"
	TaskError     = "error"
)

// TaskResult is the non-streaming reply and the payload of the terminal
// stream event.
type TaskResult struct {
	Status    string         `json:"status"`
	Output    string         `json:"output,omitempty"`
	Result    *ExecuteResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
}

// StreamEvent is one push-stream event. Output events carry only Output;
// the terminal event carries Status and either Result or Error.
type StreamEvent struct {
	Output    string         `json:"output,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    *ExecuteResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
}

// Terminal reports whether ev ends the stream.
func (ev StreamEvent) Terminal() bool {
	return ev.Status == TaskCompleted || ev.Status == TaskError
}
