package printer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/hydraresearch/nautilus/duet"
)

// discoveryService is advertised by the controllers' web servers.
const discoveryService = "_http._tcp"

// DiscoveredPrinter holds information about a controller found on the network.
type DiscoveredPrinter struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url"`
	// Dialect is filled in by Probe.
	Dialect string `json:"dialect,omitempty"`
}

// Discover browses mDNS for controllers until timeout or ctx ends.
func Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredPrinter, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	entries := make(chan *mdns.ServiceEntry, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- mdns.Query(&mdns.QueryParam{
			Service: discoveryService,
			Domain:  "local",
			Timeout: timeout,
			Entries: entries,
		})
		close(entries)
	}()

	var found []DiscoveredPrinter
	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				if err := <-errCh; err != nil {
					return found, fmt.Errorf("discovery: %w", err)
				}
				return found, nil
			}
			if p, ok := fromEntry(entry); ok && !seen[p.URL] {
				seen[p.URL] = true
				found = append(found, p)
			}
		}
	}
}

func fromEntry(entry *mdns.ServiceEntry) (DiscoveredPrinter, bool) {
	if entry == nil {
		return DiscoveredPrinter{}, false
	}
	host := ""
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		host = strings.TrimSuffix(entry.Host, ".")
	}
	if host == "" || entry.Port == 0 {
		return DiscoveredPrinter{}, false
	}

	name := entry.Name
	if i := strings.Index(name, "."+discoveryService); i > 0 {
		name = name[:i]
	}
	return DiscoveredPrinter{
		Name: name,
		Host: host,
		Port: entry.Port,
		URL:  "http://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + "/",
	}, true
}

// Probe connects to the controller at url and reports its dialect. The
// session is closed again before returning.
func Probe(ctx context.Context, url, password string, opts Options) (duet.Dialect, error) {
	opts = opts.withDefaults()
	t := duet.NewTransport(url, duet.TransportConfig{
		UserAgent: opts.UserAgent,
		Timeout:   opts.StatusTimeout,
		Client:    opts.HTTPClient,
	})
	s := duet.NewSession(t, duet.SessionConfig{Password: password, StatusTimeout: opts.StatusTimeout})
	if err := s.Connect(ctx); err != nil {
		return duet.DialectLegacy, err
	}
	d := s.Dialect()
	if err := s.Disconnect(ctx); err != nil {
		return d, err
	}
	return d, nil
}
