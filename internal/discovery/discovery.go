// Package discovery browses the local network for the controller using
// multicast DNS-SD, so a freshly-installed agent can find a controller
// without any manual host/port entry (spec §4.D).
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/agentmesh/agent-core/internal/errs"
)

// ServiceType is the well-known DNS-SD service type the controller
// advertises (spec §6).
const ServiceType = "_allow2automate._tcp"

// Endpoint is the resolved network location of a matching controller.
type Endpoint struct {
	Host string
	Port int
}

// scannerFactory is the seam tests substitute to avoid touching a real
// multicast socket, mirroring the pluggable-scanner-behind-a-factory shape
// this package's browse loop is grounded on.
type scannerFactory func(ctx context.Context) (entries <-chan *zeroconf.ServiceEntry, cleanup func(), err error)

// Client browses for a controller advertising the well-known service type
// whose TXT "uuid" field matches a configured identifier.
type Client struct {
	window  time.Duration
	scanner scannerFactory
}

// New returns a Client using the default zeroconf-backed scanner and a
// 10 second search window (spec §4.D default).
func New() *Client {
	return &Client{
		window:  10 * time.Second,
		scanner: zeroconfScanner,
	}
}

// WithWindow overrides the default search window.
func (c *Client) WithWindow(d time.Duration) *Client {
	c.window = d
	return c
}

// Browse searches the local network until a service entry's "uuid" TXT
// record equals identifier, or the window elapses. On return, success or
// failure, it cancels the browse context, which makes the zeroconf
// resolver shut down and close its multicast sockets; the default
// scanner's cleanup func itself does nothing.
func (c *Client) Browse(ctx context.Context, identifier string) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.window)
	defer cancel()

	entries, cleanup, err := c.scanner(ctx)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", errs.ErrDiscoveryUnavailable, err)
	}
	defer cleanup()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Endpoint{}, errs.ErrControllerNotFound
			}
			if ep, matched := matchEntry(entry, identifier); matched {
				return ep, nil
			}
		case <-ctx.Done():
			return Endpoint{}, errs.ErrControllerNotFound
		}
	}
}

func matchEntry(entry *zeroconf.ServiceEntry, identifier string) (Endpoint, bool) {
	for _, txt := range entry.Text {
		if txt == "uuid="+identifier {
			host := entry.HostName
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			}
			return Endpoint{Host: host, Port: entry.Port}, true
		}
	}
	return Endpoint{}, false
}

func zeroconfScanner(ctx context.Context) (<-chan *zeroconf.ServiceEntry, func(), error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	return entries, cleanup, nil
}
