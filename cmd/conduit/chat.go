package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conduit/internal/domain"
	"conduit/internal/usecase/instance"
	"conduit/internal/usecase/orchestrator"
)

func runChat(args []string) error {
	var configPath string
	var agent agentFlags
	fs := newFlagSet("chat", &configPath)
	agent.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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
	if err := comp.start(ctx, cfg); err != nil {
		return err
	}

	spawn := func() (*domain.AgentInstance, error) {
		return comp.Instances.Spawn(agent.agentType, cliChannel, cliUser, agent.instanceConfig())
	}
	inst, err := spawn()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "instance %s ready. /reset starts over, /status [id] and /events inspect, /quit exits.\n", instance.ShortID(inst.ID))

	unsubReaped := comp.Bus.SubscribeChannel(domain.EventInstanceReaped, cliChannel, func(context.Context, domain.Event) {
		fmt.Fprintln(os.Stderr, "\n(idle instance reaped; the next message starts a new one)")
	})
	defer unsubReaped()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if short, ok := strings.CutPrefix(line, "/status "); ok {
			printInstances(os.Stderr, short, comp.Instances.FindByShortID(short))
			continue
		}
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/status":
			printStatus(comp)
			continue
		case "/events":
			printEvents(comp.Journal.Recent(20))
			continue
		case "/reset":
			_, _ = comp.Instances.Destroy(inst.ID)
			if inst, err = spawn(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "instance %s ready.\n", instance.ShortID(inst.ID))
			continue
		}

		// A reaped instance is replaced transparently.
		if _, err := comp.Instances.Get(inst.ID); err != nil {
			if inst, err = spawn(); err != nil {
				return err
			}
		}

		req := orchestrator.DispatchRequest{ChannelID: cliChannel, UserID: cliUser, Text: line}
		onChunk := func(delta string) { fmt.Print(delta) }
		runCtx, runCancel := context.WithCancel(ctx)
		_, res, err := comp.Orchestrator.Handle(runCtx, req, onChunk)
		if orchestrator.IsRoutingRejection(err) {
			// Reaped between the check above and dispatch.
			if inst, err = spawn(); err == nil {
				_, res, err = comp.Orchestrator.Handle(runCtx, req, onChunk)
			}
		}
		runCancel()
		fmt.Println()
		if err != nil {
			if domain.IsCancelled(err) && ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", describeFailure(err))
			continue
		}
		fmt.Fprintf(os.Stderr, "-- %s on %s\n", res.ModelUsed, res.BackendID)
	}
}

func printEvents(events []domain.Event) {
	if len(events) == 0 {
		fmt.Fprintln(os.Stderr, "no events yet")
		return
	}
	for _, e := range events {
		fmt.Fprintf(os.Stderr, "%s  %-22s %s\n", e.Timestamp.Format("15:04:05.000"), e.Type, e.Payload)
	}
}

func printInstances(w io.Writer, short string, matches []*domain.AgentInstance) {
	if len(matches) == 0 {
		fmt.Fprintf(w, "no instance matches %q\n", short)
		return
	}
	for _, m := range matches {
		fmt.Fprintf(w, "%s  %-8s %-10s channel=%s owner=%s turns=%d idle=%s\n",
			instance.ShortID(m.ID), m.State, m.AgentType, m.ChannelID, m.OwnerID,
			len(m.Context), time.Since(m.LastActivity).Round(time.Second))
	}
}

func printStatus(comp *components) {
	sum := comp.Instances.Summary()
	published, panics := comp.Bus.Stats()
	fmt.Fprintf(os.Stderr, "instances: %d live, %d in this channel\n", sum.Total, sum.ByChannel[cliChannel])
	fmt.Fprintf(os.Stderr, "events: %d published, %d handler panics\n", published, panics)
	if comp.Endpoints != nil {
		for _, ep := range comp.Endpoints.List() {
			fmt.Fprintf(os.Stderr, "remote %s: %s %s\n", ep.ID, ep.Status, ep.Message)
		}
	}
}
