package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/dispatch"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/ipc"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/metrics"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/recurring"
	"github.com/mtzanidakis/hive/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const statsInterval = 15 * time.Second

func runGateway(ctx context.Context, path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	slog.Info("starting hive gateway", "version", version, "config", path)

	store, err := memory.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	slog.Info("store opened", "backend", cfg.Store.Backend, "path", cfg.Store.Path)
	go memory.Sweep(ctx, store, cfg.Store.SweepInterval)

	if snap, err := hivemind.LoadSnapshot(ctx, store); err == nil {
		slog.Info("previous coordination state", "saved_at", snap.SavedAt, "agents", len(snap.Agents), "open_tasks", len(snap.OpenTasks))
	} else if !errors.Is(err, errs.ErrNotFound) {
		slog.Warn("read previous coordination state", "error", err)
	}

	deps := hivemind.Deps{Store: store}
	var client *natsbus.Client
	if cfg.NATS.Enabled {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		slog.Info("nats started", "port", bus.Port())

		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		slog.Debug("nats client connected", "client", client.Name())
		defer client.Close()
		deps.Transport = comms.NewNATSTransport(client)
	}
	if cfg.Dispatch.Enabled {
		exec, err := dispatch.New(client, cfg.Dispatch.Timeout)
		if err != nil {
			return fmt.Errorf("init dispatch: %w", err)
		}
		defer exec.Close()
		deps.Executor = exec
		slog.Info("dispatch enabled", "timeout", cfg.Dispatch.Timeout)
	}

	hive := hivemind.New(cfg.Hive, deps)
	if client != nil {
		defer natsbus.Forward(hive.Events(), client)()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)
	defer m.Attach(hive.Events())()

	if err := hive.Initialize(ctx); err != nil {
		return fmt.Errorf("init hive: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := hive.Shutdown(shutdownCtx); err != nil {
			slog.Error("hive shutdown failed", "error", err)
		}
	}()
	go m.Poll(ctx, hive, statsInterval)

	for _, cfgAgent := range agentConfigs(cfg.Agents) {
		if _, err := hive.RegisterAgent(cfgAgent); err != nil {
			return fmt.Errorf("register agent %s: %w", cfgAgent.ID, err)
		}
	}
	slog.Info("agents registered", "count", len(cfg.Agents))

	if cfg.IPC.Enabled {
		srv := ipc.NewServer(hive, client)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	runner, err := recurring.New(hive, cfg.Recurring)
	if err != nil {
		return fmt.Errorf("init recurring jobs: %w", err)
	}
	go runner.Start(ctx)

	go func() {
		err := config.Watch(ctx, path, cfg, func(old, new *config.Config) {
			applyReload(hive, runner, old, new)
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	if cfg.Web.Enabled {
		srv := web.NewServer(hive, cfg.Web, web.Options{
			Events:    hive.Events(),
			Gatherer:  reg,
			Recurring: runner,
			Version:   version,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// agentConfigs converts config definitions into registrations, sorted by
// id so startup order is stable.
func agentConfigs(defs map[string]config.AgentDefinition) []agent.Config {
	out := make([]agent.Config, 0, len(defs))
	for _, id := range slices.Sorted(maps.Keys(defs)) {
		out = append(out, agentConfig(id, defs[id]))
	}
	return out
}

func agentConfig(id string, def config.AgentDefinition) agent.Config {
	maxTasks := def.MaxConcurrentTasks
	if maxTasks == 0 {
		maxTasks = 1
	}
	return agent.Config{
		ID:                 id,
		Name:               def.Name,
		Type:               def.Type,
		SwarmID:            def.SwarmID,
		Capabilities:       def.Capabilities,
		MaxConcurrentTasks: maxTasks,
		Priority:           def.Priority,
		Metadata:           def.Metadata,
	}
}

// Reloader is what a config reload acts on.
type Reloader interface {
	RegisterAgent(cfg agent.Config) (agent.Agent, error)
	UnregisterAgent(id string) bool
	AddCapability(agentID, capability string) error
	RemoveCapability(agentID, capability string) error
}

func applyReload(hive Reloader, runner *recurring.Runner, old, new *config.Config) {
	diff := config.Diff(old, new)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		return
	}

	for _, id := range diff.AgentsRemoved {
		hive.UnregisterAgent(id)
		slog.Info("agent removed by config reload", "agent", id)
	}
	for _, id := range diff.AgentsAdded {
		if _, err := hive.RegisterAgent(agentConfig(id, new.Agents[id])); err != nil {
			slog.Error("register agent on reload failed", "agent", id, "error", err)
			continue
		}
		slog.Info("agent added by config reload", "agent", id)
	}
	for _, id := range diff.AgentsChanged {
		change, ok := diff.CapabilityChanges[id]
		if !ok {
			continue
		}
		for _, c := range change.Added {
			if err := hive.AddCapability(id, c); err != nil {
				slog.Error("add capability failed", "agent", id, "capability", c, "error", err)
			}
		}
		for _, c := range change.Removed {
			if err := hive.RemoveCapability(id, c); err != nil {
				slog.Error("remove capability failed", "agent", id, "capability", c, "error", err)
			}
		}
		slog.Info("agent capabilities reloaded", "agent", id, "added", change.Added, "removed", change.Removed)
	}

	if diff.RecurringChanged && runner != nil {
		if err := runner.Update(new.Recurring); err != nil {
			slog.Error("reload recurring jobs failed", "error", err)
		}
	}
}
