package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"opsdeck/internal/adapter/discovery"
	"opsdeck/internal/infra/logger"
)

func runDiscover(args []string) error {
	cfgPath, _ := splitArgs(args)
	if !discovery.Available {
		return fmt.Errorf("this build has no mDNS support; rebuild with -tags mdns")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := bootstrap(ctx, cfgPath, false)
	if err != nil {
		return err
	}
	defer env.cleanup()

	d := env.cfg.Discovery
	scanner := discovery.New(discovery.Options{
		Service: d.Service,
		Domain:  d.Domain,
		Timeout: d.Timeout,
	}, logger.Component(env.log, "discovery"))

	found, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(os.Stderr, "no gateways found")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tURL")
	for _, gw := range found {
		fmt.Fprintf(tw, "%s\t%s\n", gw.Instance, gw.URL)
	}
	return tw.Flush()
}
