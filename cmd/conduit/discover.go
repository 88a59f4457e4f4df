package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"conduit/internal/adapter/remote"
)

func runDiscover(args []string) error {
	var configPath string
	var timeout time.Duration
	fs := newFlagSet("discover", &configPath)
	fs.DurationVar(&timeout, "timeout", 0, "scan duration (overrides discovery.scan_timeout)")
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

	if timeout <= 0 {
		timeout = cfg.Discovery.ScanTimeout
	}
	found, err := remote.NewMDNSDiscoverer(timeout, log).Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(os.Stderr, "no daemons found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tOS\tVERSION")
	for _, ep := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ep.ID, ep.Name, ep.BaseURL, ep.Metadata["os"], ep.Metadata["version"])
	}
	return w.Flush()
}
