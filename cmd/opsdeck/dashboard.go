package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"opsdeck/internal/adapter/journal"
	"opsdeck/internal/adapter/tui/dashboard"
	"opsdeck/internal/infra/config"
	"opsdeck/internal/infra/logger"
	"opsdeck/internal/usecase/poller"
)

func runDashboard(args []string) error {
	cfgPath, _ := splitArgs(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := bootstrap(ctx, cfgPath, true)
	if err != nil {
		return err
	}
	defer env.cleanup()

	client := newClient(env.cfg, env.log)
	defer client.Close()

	model := dashboard.New(dashboard.Deps{
		Client:      client,
		Gateway:     env.cfg.Gateway.URL,
		AutoConnect: true,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	model.SetProgramSender(func(msg tea.Msg) { p.Send(msg) })

	if env.cfg.Journal.Enabled {
		store, err := journal.Open(env.cfg.Journal.Path, logger.Component(env.log, "journal"))
		if err != nil {
			return err
		}
		defer store.Close()
		rec := store.Record(client, 0)
		defer rec.Stop()
	}

	if env.cfg.Poller.Enabled {
		pl, err := newPoller(env.cfg.Poller, client, func(r poller.Result) { p.Send(dashboard.PollMsg{Result: r}) }, env)
		if err != nil {
			return err
		}
		pl.Start(ctx)
		defer pl.Stop()
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func newPoller(cfg config.PollerConfig, client poller.Client, sink poller.Sink, env *runtimeEnv) (*poller.Poller, error) {
	pl := poller.New(client, sink, logger.Component(env.log, "poller"))
	pl.SetTaskTimeout(env.cfg.Gateway.RequestTimeout)
	for _, t := range cfg.Tasks {
		task := poller.Task{Name: t.Name, Schedule: t.Schedule, Method: t.Method}
		if len(t.Params) > 0 {
			task.Params = t.Params
		}
		if err := pl.Add(task); err != nil {
			return nil, fmt.Errorf("poller: %w", err)
		}
	}
	return pl, nil
}
