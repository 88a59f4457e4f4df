package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/domain"
)

func TestProfileNames(t *testing.T) {
	assert.Equal(t, []string{"claude", "codex", "cursor", "gemini"}, ProfileNames())
}

func TestLookupProfileReturnsCopy(t *testing.T) {
	p, err := LookupProfile("claude")
	require.NoError(t, err)
	p.BaseArgs[0] = "mutated"

	again, err := LookupProfile("claude")
	require.NoError(t, err)
	assert.Equal(t, "-p", again.BaseArgs[0])
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		profile string
		opts    domain.ExecuteOptions
		mode    string
		extra   []string
		want    []string
	}{
		{
			profile: "claude",
			opts:    domain.ExecuteOptions{ForceApproval: true, ResumeToken: "sess-1"},
			want:    []string{"-p", "--model", "m", "--dangerously-skip-permissions", "--resume", "sess-1", "prompt"},
		},
		{
			profile: "gemini",
			opts:    domain.ExecuteOptions{Sandbox: domain.SandboxReadOnly},
			extra:   []string{"--debug"},
			want:    []string{"--model", "m", "--sandbox", "--debug", "--prompt", "prompt"},
		},
		{
			profile: "codex",
			opts:    domain.ExecuteOptions{Sandbox: domain.SandboxWorkspace, WorkspacePath: "/w"},
			want:    []string{"exec", "--model", "m", "--sandbox", "workspace-write", "--cd", "/w"},
		},
		{
			profile: "cursor",
			mode:    "ask",
			want:    []string{"-p", "--output-format", "text", "--model", "m", "--mode", "ask", "prompt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			p, err := LookupProfile(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.buildArgs("prompt", "m", tt.mode, tt.opts, tt.extra))
		})
	}
}

func TestProfileCapabilities(t *testing.T) {
	claude, _ := LookupProfile("claude")
	caps := claude.Capabilities()
	assert.True(t, caps.Resume)
	assert.False(t, caps.Sandbox)
	assert.True(t, caps.Streaming)

	cursor, _ := LookupProfile("cursor")
	assert.Equal(t, domain.KindIDEExtension, cursor.Kind)
}
