//go:build mdns

package remote

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/domain"
)

func TestEntryToEndpoint(t *testing.T) {
	entry := zeroconf.NewServiceEntry("lab-box", mdnsServiceType, mdnsDomain)
	entry.Port = 7420
	entry.Text = []string{"id=lab", "os=linux"}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.IPv4(192, 168, 1, 10))

	ep, ok := entryToEndpoint(entry)
	require.True(t, ok)
	assert.Equal(t, "lab", ep.ID)
	assert.Equal(t, "lab-box", ep.Name)
	assert.Equal(t, "http://192.168.1.10:7420", ep.BaseURL)
	assert.Equal(t, domain.RemoteUnknown, ep.Status)
	assert.Equal(t, "linux", ep.Metadata["os"])
}

func TestEntryToEndpointIPv6AndScheme(t *testing.T) {
	entry := zeroconf.NewServiceEntry("v6", mdnsServiceType, mdnsDomain)
	entry.Port = 443
	entry.Text = []string{"scheme=https"}
	entry.AddrIPv6 = append(entry.AddrIPv6, net.ParseIP("fe80::1"))

	ep, ok := entryToEndpoint(entry)
	require.True(t, ok)
	assert.Equal(t, "v6", ep.ID, "instance name is the fallback id")
	assert.Equal(t, "https://[fe80::1]:443", ep.BaseURL)
}

func TestEntryWithoutAddressIsSkipped(t *testing.T) {
	_, ok := entryToEndpoint(zeroconf.NewServiceEntry("ghost", mdnsServiceType, mdnsDomain))
	assert.False(t, ok)
}

func TestParseTXTRecords(t *testing.T) {
	m := parseTXTRecords([]string{"a=1", "b=x=y", "novalue"})
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, m)
}

func TestDedupeEndpoints(t *testing.T) {
	out := dedupeEndpoints([]domain.RemoteEndpoint{{ID: "a", BaseURL: "1"}, {ID: "b"}, {ID: "a", BaseURL: "2"}})
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].BaseURL)
}
