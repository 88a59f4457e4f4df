package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"conduit/internal/domain"
)

func runBackends(args []string) error {
	var configPath string
	fs := newFlagSet("backends", &configPath)
	chains := fs.Bool("chains", false, "also print the fallback chains")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
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

	all := comp.Backends.All()
	statuses := make([]domain.BackendStatus, len(all))
	var wg sync.WaitGroup
	for i, b := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Health.ProbeTimeout)
			defer cancel()
			statuses[i] = b.Status(probeCtx)
		}()
	}
	wg.Wait()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tAVAILABLE\tMODELS\tMESSAGE")
	for i, b := range all {
		d := b.Descriptor()
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			d.ID, d.Kind, statuses[i].Available, strings.Join(b.Models(ctx), ","), statuses[i].Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !*chains {
		return nil
	}

	fmt.Println()
	c := comp.Resolver.Chains()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tCHAIN\tSERVED BY")
	for _, family := range c.Families() {
		models := c.Family(family)
		if len(models) == 0 {
			continue
		}
		var served []string
		for _, b := range comp.Backends.Serving(models[0]) {
			served = append(served, b.Descriptor().ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", family, strings.Join(models, " > "), strings.Join(served, ","))
	}
	return w.Flush()
}
