package backend

import (
	"fmt"

	"conduit/internal/domain"
)

// validateCommon checks the options every adapter shares against desc.
// It does no I/O.
func validateCommon(desc domain.BackendDescriptor, opts domain.ExecuteOptions) []string {
	var errs []string

	if opts.MaxTokens < 0 {
		errs = append(errs, "max_tokens must be >= 0")
	}
	if t := opts.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Sprintf("temperature %.2f out of range [0, 2]", *t))
	}
	switch opts.Sandbox {
	case domain.SandboxDefault:
	case domain.SandboxReadOnly, domain.SandboxWorkspace, domain.SandboxFull:
		if !desc.Capabilities.Sandbox {
			errs = append(errs, fmt.Sprintf("backend %s does not support sandbox modes", desc.ID))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown sandbox mode %q", opts.Sandbox))
	}
	if opts.ResumeToken != "" && !desc.Capabilities.Resume {
		errs = append(errs, fmt.Sprintf("backend %s does not support resume tokens", desc.ID))
	}
	if opts.WorkspacePath != "" && !desc.Capabilities.Workspace {
		errs = append(errs, fmt.Sprintf("backend %s does not accept a workspace path", desc.ID))
	}
	if msg := domain.CheckProviderOptions(desc.Kind, opts.Provider); msg != "" {
		errs = append(errs, msg)
	}
	return errs
}

func validation(errs []string) domain.OptionsValidation {
	return domain.OptionsValidation{Valid: len(errs) == 0, Errors: errs}
}

// modelOrDefault returns the requested model or the first advertised one.
func modelOrDefault(desc domain.BackendDescriptor, model string) string {
	if model != "" {
		return model
	}
	if len(desc.Models) > 0 {
		return desc.Models[0]
	}
	return ""
}
