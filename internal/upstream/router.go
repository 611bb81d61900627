// Package upstream maps an inbound request's host to the upstream
// registry it should be proxied to or fetched from (spec §4.5).
package upstream

import (
	"fmt"
	"strings"

	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/config"
)

// Descriptor is the immutable tuple identifying an upstream registry
// (spec §3, "Upstream descriptor").
type Descriptor struct {
	Scheme   string
	Host     string
	Port     int
	Registry string
}

// BaseURL returns the scheme://host:port prefix used to build upstream
// request URLs.
func (d Descriptor) BaseURL() string {
	defaultPort := (d.Scheme == "https" && d.Port == 443) || (d.Scheme == "http" && d.Port == 80)
	if defaultPort {
		return fmt.Sprintf("%s://%s", d.Scheme, d.Registry)
	}
	return fmt.Sprintf("%s://%s:%d", d.Scheme, d.Registry, d.Port)
}

// Router holds the configured routing table, keyed by inbound host.
type Router struct {
	table map[string]Descriptor
}

// New builds a Router from the configured upstream list. The table is
// immutable after construction, per spec §3.
func New(upstreams []config.Upstream) *Router {
	table := make(map[string]Descriptor, len(upstreams))
	for _, u := range upstreams {
		table[strings.ToLower(u.Host)] = Descriptor{
			Scheme:   u.Schema,
			Host:     u.Host,
			Port:     u.Port,
			Registry: u.Registry,
		}
	}
	return &Router{table: table}
}

// Resolve looks up the upstream descriptor for the given inbound host
// (from the Host header or TLS SNI). Port suffixes on the host header
// are stripped before lookup.
func (r *Router) Resolve(host string) (Descriptor, error) {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}

	d, ok := r.table[host]
	if !ok {
		return Descriptor{}, apierr.New(apierr.UnknownHost, host, fmt.Errorf("no upstream configured for host %q", host))
	}
	return d, nil
}
