package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/infra/tracer"
)

const (
	stderrTailBytes = 8 * 1024
	lookupTTL       = 30 * time.Second
	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process itself has exited.
	waitDelay = 2 * time.Second
)

// SubprocessBackend runs an agent command-line tool per request and
// streams its standard output line by line. The same type serves
// ide-extension backends, which additionally require a workspace.
type SubprocessBackend struct {
	desc    domain.BackendDescriptor
	profile CLIProfile
	env     map[string]string
	logger  *slog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	path      string
	found     bool
}

// NewSubprocessBackend builds a backend from a named profile, a bare
// command, or a profile with its command overridden.
func NewSubprocessBackend(cfg config.BackendConfig, logger *slog.Logger) (*SubprocessBackend, error) {
	var profile CLIProfile
	if cfg.Profile != "" {
		p, err := LookupProfile(cfg.Profile)
		if err != nil {
			return nil, domain.WrapOp("NewSubprocessBackend", err)
		}
		profile = p
	} else {
		profile = CLIProfile{
			Name:        cfg.ID,
			Kind:        domain.KindSubprocessCLI,
			Prompt:      PromptArg,
			VersionArgs: []string{"--version"},
		}
	}
	if cfg.Command != "" {
		profile.Command = cfg.Command
	}
	if len(cfg.Args) > 0 {
		profile.BaseArgs = append([]string(nil), cfg.Args...)
	}
	switch cfg.Type {
	case config.BackendIDE:
		profile.Kind = domain.KindIDEExtension
	case config.BackendCLI:
		profile.Kind = domain.KindSubprocessCLI
	}
	if profile.Command == "" {
		return nil, domain.NewDomainError("NewSubprocessBackend", domain.ErrInvalidInput, "backend "+cfg.ID+" has no command")
	}

	models := profile.Models
	if len(cfg.Models) > 0 {
		models = append([]string(nil), cfg.Models...)
	}
	if cfg.DefaultModel != "" && !contains(models, cfg.DefaultModel) {
		models = append([]string{cfg.DefaultModel}, models...)
	}
	name := cfg.Name
	if name == "" {
		name = profile.Name
	}

	return &SubprocessBackend{
		desc: domain.BackendDescriptor{
			ID:           cfg.ID,
			Name:         name,
			Kind:         profile.Kind,
			Models:       models,
			Capabilities: profile.Capabilities(),
		},
		profile: profile,
		env:     cfg.Env,
		logger:  logger,
	}, nil
}

// Descriptor implements domain.Backend.
func (b *SubprocessBackend) Descriptor() domain.BackendDescriptor { return b.desc }

// Available implements domain.Backend. The executable lookup is cached.
func (b *SubprocessBackend) Available(context.Context) bool {
	_, ok := b.resolve()
	return ok
}

func (b *SubprocessBackend) resolve() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.checkedAt.IsZero() && time.Since(b.checkedAt) < lookupTTL {
		return b.path, b.found
	}
	path, err := exec.LookPath(b.profile.Command)
	b.checkedAt = time.Now()
	b.path, b.found = path, err == nil
	return b.path, b.found
}

// Models implements domain.Backend.
func (b *SubprocessBackend) Models(context.Context) []string { return b.desc.Models }

// Status implements domain.Backend. It runs the tool's version command.
func (b *SubprocessBackend) Status(ctx context.Context) domain.BackendStatus {
	st := domain.BackendStatus{LastChecked: time.Now(), Metadata: map[string]string{"command": b.profile.Command}}
	path, ok := b.resolve()
	if !ok {
		st.Message = fmt.Sprintf("command %q not found in PATH", b.profile.Command)
		return st
	}
	st.Metadata["path"] = path
	if len(b.profile.VersionArgs) == 0 {
		st.Available = true
		return st
	}
	out, err := exec.CommandContext(ctx, path, b.profile.VersionArgs...).Output()
	if err != nil {
		st.Message = "version check failed: " + err.Error()
		return st
	}
	st.Available = true
	st.Version = firstLine(string(out))
	return st
}

// ValidateOptions implements domain.Backend.
func (b *SubprocessBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	errs := validateCommon(b.desc, opts)
	if b.desc.Kind == domain.KindIDEExtension && opts.WorkspacePath == "" {
		errs = append(errs, fmt.Sprintf("backend %s requires a workspace path", b.desc.ID))
	}
	if opts.WorkspacePath != "" {
		if fi, err := os.Stat(opts.WorkspacePath); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Sprintf("workspace %s is not a directory", opts.WorkspacePath))
		}
	}
	return validation(errs)
}

// Execute implements domain.Backend.
func (b *SubprocessBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	model := modelOrDefault(b.desc, opts.Model)
	ctx, span := tracer.StartSpan(ctx, "backend.execute",
		trace.WithAttributes(
			tracer.StringAttr("backend.id", b.desc.ID),
			tracer.StringAttr("backend.model", model),
			tracer.BoolAttr("backend.stream", opts.Stream),
		),
	)
	defer span.End()

	res, err := b.execute(ctx, prompt, model, opts, onChunk)
	tracer.Finish(span, err)
	return res, err
}

func (b *SubprocessBackend) execute(ctx context.Context, prompt, model string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if err := b.ValidateOptions(opts).Err(); err != nil {
		return nil, err
	}
	if err := domain.Checkpoint(ctx); err != nil {
		return nil, err
	}
	path, ok := b.resolve()
	if !ok {
		return nil, b.fail(model, "", fmt.Errorf("%w: command %q not found", domain.ErrBackendUnavailable, b.profile.Command))
	}

	extra, env, mode := providerSettings(opts.Provider)
	args := b.profile.buildArgs(prompt, model, mode, opts, extra)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = waitDelay
	cmd.Env = mergeEnv(os.Environ(), b.env, env)
	if opts.WorkspacePath != "" && b.profile.WorkspaceFlag == "" {
		cmd.Dir = opts.WorkspacePath
	}
	if b.profile.Prompt == PromptStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, b.fail(model, "", fmt.Errorf("%w: stdout pipe: %v", domain.ErrExecutionFailed, err))
	}
	// Closing our end of the pipe unblocks the reader even when a grandchild
	// still holds the write end.
	cmd.Cancel = func() error {
		err := cmd.Process.Kill()
		_ = stdout.Close()
		return err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, b.fail(model, "", fmt.Errorf("%w: start %s: %v", domain.ErrBackendUnavailable, b.profile.Command, err))
	}
	b.logger.Debug("subprocess started", "backend", b.desc.ID, "pid", cmd.Process.Pid, "model", model)

	var deliver domain.ChunkFunc
	if opts.Stream {
		deliver = onChunk
	}
	sink := NewChunkSink(ctx, deliver)
	readErr := readLines(ctx, stdout, sink)
	waitErr := cmd.Wait()

	if err := domain.Checkpoint(ctx); err != nil {
		b.logger.Debug("subprocess cancelled", "backend", b.desc.ID, "partial_chars", len(sink.Text()))
		return nil, b.fail(model, sink.Text(), err)
	}
	if waitErr != nil {
		return nil, b.fail(model, sink.Text(), exitError(waitErr, stderr.String(), sink.Text()))
	}
	if readErr != nil {
		return nil, b.fail(model, sink.Text(), readErr)
	}

	result := &domain.ExecuteResult{
		Text:      sink.Text(),
		Duration:  time.Since(start),
		ModelUsed: model,
		BackendID: b.desc.ID,
		SessionID: opts.ResumeToken,
		Metadata: map[string]string{
			"command":   b.profile.Command,
			"exit_code": "0",
		},
	}
	b.logger.Debug("backend execute completed",
		"backend", b.desc.ID,
		"model", model,
		"duration", result.Duration,
		"chars", len(result.Text),
	)
	return result, nil
}

func (b *SubprocessBackend) fail(model, partial string, err error) error {
	return &domain.ExecutionError{BackendID: b.desc.ID, Model: model, Partial: partial, Err: err}
}

// readLines forwards stdout one line at a time, newline included, so the
// delivered chunks concatenate to exactly what the process wrote.
func readLines(ctx context.Context, r io.Reader, sink *ChunkSink) error {
	br := bufio.NewReader(r)
	for {
		if err := domain.Checkpoint(ctx); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if line != "" {
			if emitErr := sink.Emit(line); emitErr != nil {
				return emitErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if cerr := domain.Checkpoint(ctx); cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w: read stdout: %v", domain.ErrStreamInterrupted, err)
		}
	}
}

// exitError maps a failed exit onto the taxonomy. Known provider failure
// signatures in the tool's output become retryable errors.
func exitError(waitErr error, stderr, stdout string) error {
	code := -1
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		code = ee.ExitCode()
	}
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = lastLines(stdout, 5)
	}
	if sentinel := domain.MatchSignature(detail); sentinel != nil {
		return fmt.Errorf("%w: exit status %d: %s", sentinel, code, lastLines(detail, 3))
	}
	if detail == "" {
		return fmt.Errorf("%w: exit status %d", domain.ErrExecutionFailed, code)
	}
	return fmt.Errorf("%w: exit status %d: %s", domain.ErrExecutionFailed, code, lastLines(detail, 3))
}

func providerSettings(p domain.ProviderOptions) (extra []string, env map[string]string, mode string) {
	switch o := p.(type) {
	case domain.CLIOptions:
		return o.ExtraArgs, o.Env, ""
	case domain.IDEOptions:
		return o.ExtraArgs, o.Env, o.Mode
	}
	return nil, nil, ""
}

// mergeEnv appends overrides to base in a stable order. Later entries win.
func mergeEnv(base []string, overrides ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, m := range overrides {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

var _ domain.Backend = (*SubprocessBackend)(nil)
