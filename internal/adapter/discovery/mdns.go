//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Available reports whether this build can browse mDNS.
const Available = true

// MDNS browses DNS-SD services with zeroconf.
type MDNS struct {
	opts   Options
	logger *slog.Logger
}

// New returns an mDNS Discoverer.
func New(opts Options, logger *slog.Logger) Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNS{opts: opts.withDefaults(), logger: logger}
}

// Scan browses for the configured service until the timeout elapses.
func (d *MDNS) Scan(ctx context.Context) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		found []Gateway
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			gw, ok := toGateway(entryRecord(e))
			if !ok {
				continue
			}
			d.logger.Debug("gateway discovered", "instance", gw.Instance, "url", gw.URL)
			found = append(found, gw)
		}
	}()

	if err := resolver.Browse(scanCtx, d.opts.Service, d.opts.Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse %s: %w", d.opts.Service, err)
	}

	// zeroconf closes entries once scanCtx is done.
	<-scanCtx.Done()
	wg.Wait()
	return dedupe(found), nil
}

func entryRecord(e *zeroconf.ServiceEntry) record {
	return record{
		instance: e.Instance,
		hostname: e.HostName,
		ipv4:     e.AddrIPv4,
		ipv6:     e.AddrIPv6,
		port:     e.Port,
		text:     e.Text,
	}
}
