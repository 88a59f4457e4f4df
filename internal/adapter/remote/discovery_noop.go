//go:build !mdns

package remote

import (
	"context"
	"log/slog"
	"time"

	"conduit/internal/domain"
)

// MDNSDiscoverer is a placeholder used when mDNS support is not compiled in.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// NewMDNSDiscoverer creates a discoverer that finds nothing.
func NewMDNSDiscoverer(_ time.Duration, logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Scan returns nil without the mdns build tag.
func (d *MDNSDiscoverer) Scan(context.Context) ([]domain.RemoteEndpoint, error) {
	d.logger.Debug("mdns discovery not compiled in; rebuild with -tags mdns")
	return nil, nil
}

// Advertise blocks until ctx is cancelled without announcing anything.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, name string, _ int, _ map[string]string) error {
	d.logger.Debug("mdns advertising not compiled in", "name", name)
	<-ctx.Done()
	return nil
}
