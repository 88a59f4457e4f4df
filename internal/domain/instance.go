package domain

import "time"

// InstanceState is the lifecycle state of an agent instance.
type InstanceState string

const (
	InstanceActive    InstanceState = "active"
	InstanceDestroyed InstanceState = "destroyed"
)

// Role identifies who produced a context turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry in an instance's private context.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// InstanceConfig carries spawn-time settings for an instance.
type InstanceConfig struct {
	BackendID     string          `json:"backend_id,omitempty"`
	Model         string          `json:"model,omitempty"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	Sandbox       SandboxMode     `json:"sandbox,omitempty"`
	Provider      ProviderOptions `json:"-"`
}

// AgentInstance is a channel-bound unit of conversation state.
// ChannelID is set at spawn and never changes.
type AgentInstance struct {
	ID           string         `json:"id"`
	ChannelID    string         `json:"channel_id"`
	OwnerID      string         `json:"owner_id"`
	AgentType    string         `json:"agent_type"`
	State        InstanceState  `json:"state"`
	Config       InstanceConfig `json:"config"`
	Context      []Turn         `json:"context,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// RoutingDecision is the result of validating a message against a channel.
type RoutingDecision struct {
	Valid     bool     `json:"valid"`
	Reason    string   `json:"reason,omitempty"`
	Instances []string `json:"instances,omitempty"`
}

// InstanceSummary counts live instances.
type InstanceSummary struct {
	Total     int            `json:"total"`
	ByChannel map[string]int `json:"by_channel"`
	ByType    map[string]int `json:"by_type"`
}
