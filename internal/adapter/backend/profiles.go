package backend

import (
	"fmt"
	"sort"

	"conduit/internal/domain"
)

// PromptDelivery says how a CLI receives the prompt.
type PromptDelivery string

const (
	PromptArg   PromptDelivery = "arg"   // last positional argument, or after PromptFlag
	PromptStdin PromptDelivery = "stdin" // written to standard input, then closed
)

// CLIProfile describes how to drive one agent command-line tool. Empty flag
// fields mean the tool has no such switch and the matching capability is
// not advertised.
type CLIProfile struct {
	Name       string
	Kind       domain.BackendKind
	Command    string
	BaseArgs   []string
	Prompt     PromptDelivery
	PromptFlag string

	ModelFlag    string
	ApprovalFlag string
	ResumeFlag   string

	// SandboxFlag is passed with the mode as its value when SandboxValue is
	// set, otherwise as a bare switch for any non-default mode.
	SandboxFlag  string
	SandboxValue bool

	// WorkspaceFlag is passed with the path; when empty the process runs
	// with the workspace as its working directory instead.
	WorkspaceFlag string

	// ModeFlag selects an IDE agent mode such as "agent" or "ask".
	ModeFlag string

	VersionArgs []string
	Models      []string
}

// Capabilities derives what the profile can do from the switches it has.
func (p CLIProfile) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Streaming: true,
		Sandbox:   p.SandboxFlag != "",
		Resume:    p.ResumeFlag != "",
		Workspace: true,
	}
}

var builtinProfiles = map[string]CLIProfile{
	"claude": {
		Name:         "Claude Code",
		Kind:         domain.KindSubprocessCLI,
		Command:      "claude",
		BaseArgs:     []string{"-p"},
		Prompt:       PromptArg,
		ModelFlag:    "--model",
		ApprovalFlag: "--dangerously-skip-permissions",
		ResumeFlag:   "--resume",
		VersionArgs:  []string{"--version"},
		Models:       []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"},
	},
	"gemini": {
		Name:         "Gemini CLI",
		Kind:         domain.KindSubprocessCLI,
		Command:      "gemini",
		Prompt:       PromptArg,
		PromptFlag:   "--prompt",
		ModelFlag:    "--model",
		ApprovalFlag: "--yolo",
		SandboxFlag:  "--sandbox",
		VersionArgs:  []string{"--version"},
		Models:       []string{"gemini-3-pro-preview", "gemini-2.5-pro", "gemini-2.5-flash"},
	},
	"codex": {
		Name:          "Codex CLI",
		Kind:          domain.KindSubprocessCLI,
		Command:       "codex",
		BaseArgs:      []string{"exec"},
		Prompt:        PromptStdin,
		ModelFlag:     "--model",
		ApprovalFlag:  "--full-auto",
		SandboxFlag:   "--sandbox",
		SandboxValue:  true,
		WorkspaceFlag: "--cd",
		VersionArgs:   []string{"--version"},
		Models:        []string{"gpt-5-codex", "gpt-5"},
	},
	"cursor": {
		Name:         "Cursor Agent",
		Kind:         domain.KindIDEExtension,
		Command:      "cursor-agent",
		BaseArgs:     []string{"-p", "--output-format", "text"},
		Prompt:       PromptArg,
		ModelFlag:    "--model",
		ApprovalFlag: "--force",
		ResumeFlag:   "--resume",
		ModeFlag:     "--mode",
		VersionArgs:  []string{"--version"},
		Models:       []string{"auto", "sonnet-4.5", "gpt-5"},
	},
}

// LookupProfile returns the built-in profile with the given name.
func LookupProfile(name string) (CLIProfile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return CLIProfile{}, fmt.Errorf("%w: unknown cli profile %q", domain.ErrInvalidInput, name)
	}
	p.BaseArgs = append([]string(nil), p.BaseArgs...)
	p.Models = append([]string(nil), p.Models...)
	return p, nil
}

// ProfileNames lists the built-in profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for n := range builtinProfiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// buildArgs assembles the argument vector for one execution.
func (p CLIProfile) buildArgs(prompt, model, mode string, opts domain.ExecuteOptions, extra []string) []string {
	args := append([]string(nil), p.BaseArgs...)
	if model != "" && p.ModelFlag != "" {
		args = append(args, p.ModelFlag, model)
	}
	if opts.ForceApproval && p.ApprovalFlag != "" {
		args = append(args, p.ApprovalFlag)
	}
	if opts.Sandbox != domain.SandboxDefault && p.SandboxFlag != "" {
		if p.SandboxValue {
			args = append(args, p.SandboxFlag, string(opts.Sandbox))
		} else {
			args = append(args, p.SandboxFlag)
		}
	}
	if opts.ResumeToken != "" && p.ResumeFlag != "" {
		args = append(args, p.ResumeFlag, opts.ResumeToken)
	}
	if opts.WorkspacePath != "" && p.WorkspaceFlag != "" {
		args = append(args, p.WorkspaceFlag, opts.WorkspacePath)
	}
	if mode != "" && p.ModeFlag != "" {
		args = append(args, p.ModeFlag, mode)
	}
	args = append(args, extra...)
	if p.Prompt != PromptStdin {
		if p.PromptFlag != "" {
			args = append(args, p.PromptFlag)
		}
		args = append(args, prompt)
	}
	return args
}
