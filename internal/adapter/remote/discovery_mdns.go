//go:build mdns

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"conduit/internal/domain"
)

const (
	mdnsServiceType = "_conduit._tcp"
	mdnsDomain      = "local."
)

// MDNSDiscoverer finds daemons on the local network via mDNS/DNS-SD and
// advertises this one.
type MDNSDiscoverer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewMDNSDiscoverer creates a discoverer whose scans last timeout.
func NewMDNSDiscoverer(timeout time.Duration, logger *slog.Logger) *MDNSDiscoverer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MDNSDiscoverer{timeout: timeout, logger: logger}
}

// Scan browses for daemons until the scan timeout or ctx ends.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]domain.RemoteEndpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []domain.RemoteEndpoint
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			ep, ok := entryToEndpoint(entry)
			if !ok {
				continue
			}
			mu.Lock()
			found = append(found, ep)
			mu.Unlock()
			d.logger.Debug("mdns discovered daemon", "endpoint", ep.ID, "url", ep.BaseURL)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return dedupeEndpoints(found), nil
}

// Advertise announces a daemon listening on port. It blocks until ctx is
// cancelled.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToEndpoint(entry *zeroconf.ServiceEntry) (domain.RemoteEndpoint, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return domain.RemoteEndpoint{}, false
	}

	txt := parseTXTRecords(entry.Text)
	scheme := txt["scheme"]
	if scheme != "https" {
		scheme = "http"
	}
	id := txt["id"]
	if id == "" {
		id = entry.ServiceRecord.Instance
	}

	return domain.RemoteEndpoint{
		ID:       id,
		Name:     entry.ServiceRecord.Instance,
		BaseURL:  scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Status:   domain.RemoteUnknown,
		Metadata: txt,
	}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}

// dedupeEndpoints keeps the first answer per id; daemons often answer on
// several interfaces.
func dedupeEndpoints(eps []domain.RemoteEndpoint) []domain.RemoteEndpoint {
	seen := make(map[string]bool, len(eps))
	out := eps[:0]
	for _, ep := range eps {
		if seen[ep.ID] {
			continue
		}
		seen[ep.ID] = true
		out = append(out, ep)
	}
	return out
}
