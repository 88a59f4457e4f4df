package orchestrator

import (
	"strings"

	"conduit/internal/domain"
)

// PromptBuilder flattens an instance's private context into the single
// prompt string every backend accepts.
type PromptBuilder struct {
	maxTurns int
}

// NewPromptBuilder creates a builder keeping at most maxTurns of history.
// Zero keeps everything.
func NewPromptBuilder(maxTurns int) *PromptBuilder {
	return &PromptBuilder{maxTurns: maxTurns}
}

// Build renders system (which may be empty) and turns. A lone user turn
// with no system text is passed through unchanged so one-shot prompts
// reach the backend verbatim.
func (b *PromptBuilder) Build(system string, turns []domain.Turn) string {
	if b.maxTurns > 0 && len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}
	if system == "" && len(turns) == 1 && turns[0].Role == domain.RoleUser {
		return turns[0].Content
	}

	var sb strings.Builder
	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(roleLabel(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}

func roleLabel(r domain.Role) string {
	switch r {
	case domain.RoleAssistant:
		return "Assistant"
	case domain.RoleSystem:
		return "System"
	default:
		return "User"
	}
}
