package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Missing credentials are not a validation error; backends report them through
// their availability probes.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateBackends(cfg, ve)
	validateCircuitBreaker(cfg, ve)
	validateFallback(cfg, ve)
	validateDaemon(cfg, ve)
	validateRemotes(cfg, ve)
	validateSchedules(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be within [0, 1]", r)
	}
}

var validBackendTypes = map[string]bool{
	BackendOpenAI:  true,
	BackendBedrock: true,
	BackendCLI:     true,
	BackendIDE:     true,
}

func validateBackends(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.ID == "" {
			ve.Add("backends[%d].id must not be empty", i)
			continue
		}
		if strings.HasPrefix(b.ID, "remote:") {
			ve.Add("backends[%d].id %q: the remote: prefix is reserved", i, b.ID)
		}
		if seen[b.ID] {
			ve.Add("backends[%d]: duplicate backend id %q", i, b.ID)
		}
		seen[b.ID] = true

		if !validBackendTypes[b.Type] {
			ve.Add("backends[%d].type %q is invalid (want: openai, bedrock, cli, ide)", i, b.Type)
			continue
		}
		switch b.Type {
		case BackendCLI, BackendIDE:
			if b.Profile == "" && b.Command == "" {
				ve.Add("backends[%d] (%s): profile or command is required", i, b.ID)
			}
		case BackendBedrock:
			if b.Region == "" {
				ve.Add("backends[%d] (%s): region is required for bedrock backend", i, b.ID)
			}
			if len(b.Models) == 0 {
				ve.Add("backends[%d] (%s): models are required for bedrock backend", i, b.ID)
			}
		case BackendOpenAI:
			if b.BaseURL != "" {
				if _, err := url.ParseRequestURI(b.BaseURL); err != nil {
					ve.Add("backends[%d] (%s): base_url %q is not a valid URL", i, b.ID, b.BaseURL)
				}
			}
		}
	}
}

func validateCircuitBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.CircuitBreaker.Enabled {
		return
	}
	if cfg.CircuitBreaker.MaxFailures == 0 {
		ve.Add("circuit_breaker.max_failures must be > 0 when enabled")
	}
	if cfg.CircuitBreaker.Timeout <= 0 {
		ve.Add("circuit_breaker.timeout must be > 0 when enabled")
	}
}

func validateFallback(cfg *Config, ve *ValidationError) {
	for name, models := range cfg.Fallback.Chains {
		if len(models) == 0 {
			ve.Add("fallback.chains.%s must list at least one model", name)
			continue
		}
		seen := make(map[string]bool, len(models))
		for _, m := range models {
			if seen[m] {
				ve.Add("fallback.chains.%s lists %q twice", name, m)
			}
			seen[m] = true
		}
	}
}

func validateDaemon(cfg *Config, ve *ValidationError) {
	if cfg.Daemon.Addr == "" {
		ve.Add("daemon.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Daemon.Addr); err != nil {
		ve.Add("daemon.addr %q is not a valid host:port", cfg.Daemon.Addr)
	}
	if cfg.Daemon.MaxBodyBytes <= 0 {
		ve.Add("daemon.max_body_bytes must be > 0")
	}
	if cfg.Daemon.RateLimit.RequestsPerSecond > 0 && cfg.Daemon.RateLimit.Burst <= 0 {
		ve.Add("daemon.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
}

func validateRemotes(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, r := range cfg.Remotes {
		if r.ID == "" {
			ve.Add("remotes[%d].id must not be empty", i)
			continue
		}
		if seen[r.ID] {
			ve.Add("remotes[%d]: duplicate remote id %q", i, r.ID)
		}
		seen[r.ID] = true

		u, err := url.ParseRequestURI(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			ve.Add("remotes[%d] (%s): url %q must be an http(s) URL", i, r.ID, r.URL)
		}
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	if err := checkSchedule(cfg.Health.PollSchedule); err != nil {
		ve.Add("health.poll_schedule %q: %v", cfg.Health.PollSchedule, err)
	}
	if cfg.Health.ProbeTimeout < 0 {
		ve.Add("health.probe_timeout must be >= 0")
	}
	if cfg.Instances.MaxContextTurns < 0 || cfg.Instances.PromptTurns < 0 {
		ve.Add("instances.max_context_turns and instances.prompt_turns must be >= 0")
	}
	if cfg.Instances.IdleTimeout < 0 {
		ve.Add("instances.idle_timeout must be >= 0")
	}
	if cfg.Instances.IdleTimeout > 0 {
		if err := checkSchedule(cfg.Instances.ReapSchedule); err != nil {
			ve.Add("instances.reap_schedule %q: %v", cfg.Instances.ReapSchedule, err)
		}
	}
}

// checkSchedule accepts what the scheduler accepts: a cron spec, a
// descriptor such as "@every 30s", or a plain positive duration.
func checkSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err == nil {
		return nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return fmt.Errorf("not a cron expression or duration")
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}
