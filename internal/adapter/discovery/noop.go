//go:build !mdns

package discovery

import (
	"context"
	"log/slog"
)

// Available reports whether this build can browse mDNS.
const Available = false

type noop struct{}

// New returns a Discoverer that finds nothing; build with -tags mdns for
// real browsing.
func New(Options, *slog.Logger) Discoverer { return noop{} }

func (noop) Scan(context.Context) ([]Gateway, error) { return nil, nil }
