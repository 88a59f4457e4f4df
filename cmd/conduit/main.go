package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"conduit/internal/infra/config"
	"conduit/internal/infra/logger"
	"conduit/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "--version", "version":
		fmt.Println("conduit", version)
		return
	case "daemon":
		err = runDaemon(args)
	case "exec":
		err = runExec(args)
	case "chat":
		err = runChat(args)
	case "backends":
		err = runBackends(args)
	case "discover":
		err = runDiscover(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'conduit --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`conduit - run prompts on local and remote execution backends

USAGE:
    conduit COMMAND [FLAGS]

COMMANDS:
    daemon      Serve local backends to other hosts over HTTP
    exec        Run one prompt through the backend registry with fallback
    chat        Interactive session bound to one agent instance
    backends    Show every registered backend and its status
    discover    Scan the local network for daemons (requires -tags mdns)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./conduit.yaml)

CONFIGURATION:
    Environment: CONDUIT_* variables override config
    Secrets:     "enc:" values are decrypted with CONDUIT_CONFIG_KEY

EXAMPLES:
    conduit daemon --addr 0.0.0.0:7420
    conduit exec --model sonnet "explain this repo"
    conduit exec --backend remote:lab --stream "run the tests"
    conduit backends`)
}

func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(configPath, "config", defaultConfigPath(), "config file path")
	return fs
}

func defaultConfigPath() string {
	if p := os.Getenv("CONDUIT_CONFIG"); p != "" {
		return p
	}
	return "conduit.yaml"
}

// setup loads config and builds the logger and tracer. The returned
// cleanup flushes both.
func setup(ctx context.Context, configPath string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	cleanup := func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		_ = logCloser()
	}
	return cfg, log, cleanup, nil
}
