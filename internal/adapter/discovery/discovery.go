// Package discovery finds gateways advertised on the local network.
package discovery

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Defaults for Options.
const (
	DefaultService = "_openclaw-gw._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 3 * time.Second
)

// Gateway is one discovered gateway endpoint.
type Gateway struct {
	Instance string
	Host     string
	Port     int
	// URL is the websocket address to dial, e.g. ws://192.168.1.10:18789.
	URL string
	TXT map[string]string
}

// Discoverer browses for gateways until ctx is done or its timeout elapses.
type Discoverer interface {
	Scan(ctx context.Context) ([]Gateway, error)
}

// Options configures a scan.
type Options struct {
	Service string
	Domain  string
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// record is the transport-neutral view of one DNS-SD answer.
type record struct {
	instance string
	hostname string
	ipv4     []net.IP
	ipv6     []net.IP
	port     int
	text     []string
}

// toGateway picks the best address for r and builds the dial URL. IPv4 is
// preferred, then IPv6, then the advertised hostname. TXT keys "tls" and
// "path" adjust the scheme and path.
func toGateway(r record) (Gateway, bool) {
	var host string
	switch {
	case len(r.ipv4) > 0:
		host = r.ipv4[0].String()
	case len(r.ipv6) > 0:
		host = r.ipv6[0].String()
	case r.hostname != "":
		host = strings.TrimSuffix(r.hostname, ".")
	default:
		return Gateway{}, false
	}
	if r.port <= 0 {
		return Gateway{}, false
	}

	txt := parseTXT(r.text)
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.port)),
		Path:   txt["path"],
	}
	switch strings.ToLower(txt["tls"]) {
	case "1", "true", "yes":
		u.Scheme = "wss"
	}
	return Gateway{
		Instance: r.instance,
		Host:     host,
		Port:     r.port,
		URL:      u.String(),
		TXT:      txt,
	}, true
}

func parseTXT(text []string) map[string]string {
	m := make(map[string]string, len(text))
	for _, t := range text {
		if k, v, ok := strings.Cut(t, "="); ok && k != "" {
			m[strings.ToLower(k)] = v
		}
	}
	return m
}

// dedupe drops repeated URLs, keeping the first, and sorts by instance name.
func dedupe(gws []Gateway) []Gateway {
	seen := make(map[string]bool, len(gws))
	out := gws[:0]
	for _, g := range gws {
		if seen[g.URL] {
			continue
		}
		seen[g.URL] = true
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
