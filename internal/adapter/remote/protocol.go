// Package remote implements the execution daemon that exposes local
// backends over HTTP and the client backend that drives such a daemon
// from another host.
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"

	"conduit/internal/domain"
	"conduit/internal/infra/middleware"
)

// Daemon paths.
const (
	PathHealth  = "/health"
	PathExecute = "/execute"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// BackendIDPrefix is prepended to an endpoint id to form the id of the
// backend that represents it.
const BackendIDPrefix = "remote:"

// BackendID returns the registry id for the remote endpoint endpointID.
func BackendID(endpointID string) string { return BackendIDPrefix + endpointID }

// toTaskOptions converts local options to their wire form. Remote
// provider options are folded into the agent config by the caller; only
// their TargetOptions travel as raw provider JSON.
func toTaskOptions(opts domain.ExecuteOptions, stream bool) domain.TaskOptions {
	t := domain.TaskOptions{
		Stream:        stream,
		WorkspacePath: opts.WorkspacePath,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		Sandbox:       opts.Sandbox,
		ForceApproval: opts.ForceApproval,
		ResumeToken:   opts.ResumeToken,
	}
	if ro, ok := opts.Provider.(domain.RemoteOptions); ok && len(ro.TargetOptions) > 0 {
		t.Provider = ro.TargetOptions
	}
	return t
}

// fromTaskOptions decodes wire options for a backend of kind. Unknown
// provider keys are rejected here, at the daemon boundary.
func fromTaskOptions(t domain.TaskOptions, model string, kind domain.BackendKind) (domain.ExecuteOptions, error) {
	provider, err := domain.DecodeProviderOptions(kind, t.Provider)
	if err != nil {
		return domain.ExecuteOptions{}, err
	}
	return domain.ExecuteOptions{
		Model:         model,
		WorkspacePath: t.WorkspacePath,
		Stream:        t.Stream,
		MaxTokens:     t.MaxTokens,
		Temperature:   t.Temperature,
		Sandbox:       t.Sandbox,
		ForceApproval: t.ForceApproval,
		ResumeToken:   t.ResumeToken,
		Provider:      provider,
	}, nil
}

// errorFromWire rebuilds a taxonomy error from a daemon reply.
// Generic codes defer to the message, which may still name a quota or
// availability failure.
func errorFromWire(code domain.ErrorCode, msg string) error {
	sentinel := domain.SentinelOf(code)
	switch code {
	case "", domain.CodeUnknown, domain.CodeExecutionFailed, domain.CodeInvalidInput:
		if match := domain.MatchSignature(msg); match != nil {
			sentinel = match
		}
	}
	if sentinel == nil {
		sentinel = domain.ErrExecutionFailed
	}
	return fmt.Errorf("%w: remote: %s", sentinel, msg)
}

// statusFor picks the HTTP status the daemon uses for err. Upstream
// authentication failures are reported as 502 so that 401 always means
// the shared secret was rejected.
func statusFor(err error) int {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeBackendNotFound, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimit, domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeServiceUnavailable, domain.CodeBackendUnavailable, domain.CodeModelNotFound:
		return http.StatusServiceUnavailable
	case domain.CodeCancelled:
		return 499 // client closed request
	case domain.CodeAuthInvalid, domain.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func secretHeaders(secret string) map[string]string {
	if secret == "" {
		return nil
	}
	return map[string]string{middleware.SecretHeader: secret}
}
