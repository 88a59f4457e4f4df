package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"conduit/internal/domain"
	"conduit/internal/usecase/orchestrator"
)

// agentFlags select what a spawned instance runs on.
type agentFlags struct {
	agentType string
	backendID string
	target    string
	model     string
	system    string
	workspace string
	sandbox   string
}

func (f *agentFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.agentType, "agent", "assistant", "agent type label for the instance")
	fs.StringVarP(&f.backendID, "backend", "b", "", "backend id (default: any available backend serving --model)")
	fs.StringVar(&f.target, "target", "", "backend to run on the remote daemon (remote backends only)")
	fs.StringVarP(&f.model, "model", "m", "", "model to request")
	fs.StringVar(&f.system, "system", "", "system prompt")
	fs.StringVarP(&f.workspace, "workspace", "w", "", "workspace path for CLI and IDE backends")
	fs.StringVar(&f.sandbox, "sandbox", "", "sandbox mode: read-only, workspace-write, danger-full-access")
}

func (f *agentFlags) instanceConfig() domain.InstanceConfig {
	cfg := domain.InstanceConfig{
		BackendID:     f.backendID,
		Model:         f.model,
		SystemPrompt:  f.system,
		WorkspacePath: f.workspace,
		Sandbox:       domain.SandboxMode(f.sandbox),
	}
	if f.target != "" {
		cfg.Provider = domain.RemoteOptions{TargetBackend: f.target, AgentType: f.agentType, SystemPrompt: f.system}
	}
	return cfg
}

const (
	cliChannel = "cli"
	cliUser    = "local"
)

func runExec(args []string) error {
	var configPath string
	var agent agentFlags
	var stream bool
	var timeout time.Duration
	fs := newFlagSet("exec", &configPath)
	agent.register(fs)
	fs.BoolVar(&stream, "stream", true, "print output as it arrives")
	fs.DurationVar(&timeout, "timeout", 0, "abort after this long (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt, err := readPrompt(fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, timeout)
		defer tcancel()
	}

	cfg, log, cleanup, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	comp, err := buildComponents(cfg, log, true)
	if err != nil {
		return err
	}
	defer comp.close()
	comp.refreshRemotes(ctx, cfg, log)

	inst, err := comp.Instances.Spawn(agent.agentType, cliChannel, cliUser, agent.instanceConfig())
	if err != nil {
		return err
	}
	defer func() { _, _ = comp.Instances.Destroy(inst.ID) }()

	var onChunk domain.ChunkFunc
	if stream {
		onChunk = func(delta string) { fmt.Print(delta) }
	}
	_, res, err := comp.Orchestrator.Handle(ctx, orchestrator.DispatchRequest{
		ChannelID: cliChannel,
		UserID:    cliUser,
		Text:      prompt,
	}, onChunk)
	if err != nil {
		if stream {
			fmt.Println()
		}
		return describeFailure(err)
	}

	if !stream {
		fmt.Print(res.Text)
	}
	if !strings.HasSuffix(res.Text, "\n") {
		fmt.Println()
	}
	fmt.Fprintf(os.Stderr, "-- %s on %s in %s\n", res.ModelUsed, res.BackendID, res.Duration.Round(time.Millisecond))
	return nil
}

// readPrompt joins the positional arguments, or reads stdin when there are
// none or the only argument is "-".
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}

// describeFailure adds the taxonomy class so scripts can tell a cancelled
// run from an exhausted fallback chain.
func describeFailure(err error) error {
	if orchestrator.IsRoutingRejection(err) {
		return fmt.Errorf("rejected [%s]: %w", domain.ErrorCodeOf(err), err)
	}
	return fmt.Errorf("%s [%s]: %w", domain.Classify(err), domain.ErrorCodeOf(err), err)
}
