package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conduit/internal/adapter/remote"
)

func runDaemon(args []string) error {
	var configPath, addr, secret string
	var advertise bool
	fs := newFlagSet("daemon", &configPath)
	fs.StringVar(&addr, "addr", "", "listen address (overrides daemon.addr)")
	fs.StringVar(&secret, "secret", "", "shared secret (overrides daemon.secret)")
	fs.BoolVar(&advertise, "advertise", false, "announce the daemon over mDNS")
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

	if addr != "" {
		cfg.Daemon.Addr = addr
	}
	if secret != "" {
		cfg.Daemon.Secret = secret
	}
	if cfg.Daemon.Secret == "" && !isLoopback(cfg.Daemon.Addr) {
		log.Warn("daemon listening beyond loopback without a shared secret", "addr", cfg.Daemon.Addr)
	}

	comp, err := buildComponents(cfg, log, false)
	if err != nil {
		return err
	}
	defer comp.close()
	if err := comp.start(ctx, cfg); err != nil {
		return err
	}

	var executor remote.Executor
	if cfg.Fallback.Enabled {
		executor = comp.Resolver
	}
	srv, err := remote.NewServer(cfg.Daemon, version, comp.Backends, executor, comp.Bus, log)
	if err != nil {
		return err
	}

	if advertise || cfg.Daemon.MDNSAdvertise {
		go advertiseDaemon(ctx, srv, cfg.Discovery.ScanTimeout, log)
	}

	log.Info("conduit daemon starting", "backends", len(comp.Backends.All()), "fallback", executor != nil)
	return srv.Start(ctx)
}

// advertiseDaemon waits for the listener, then announces it until ctx ends.
func advertiseDaemon(ctx context.Context, srv *remote.Server, discoveryTimeout time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var port int
	for port == 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, p, err := net.SplitHostPort(srv.BoundAddr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}

	name := srv.HostName()
	if name == "" {
		name = "conduit"
	}
	meta := map[string]string{"id": strings.ToLower(name), "os": runtime.GOOS, "version": version}
	if err := remote.NewMDNSDiscoverer(discoveryTimeout, log).Advertise(ctx, name, port, meta); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
