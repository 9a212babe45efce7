// Package app wires the coordinator together: configuration in, a
// running server out. The container is the composition root; nothing
// outside this package constructs cross-package collaborators.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"

	"github.com/marcus-ai/marcus/pkg/api"
	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/infrastructure/eventbus"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
	"github.com/marcus-ai/marcus/pkg/integration"
	"github.com/marcus-ai/marcus/pkg/integration/kanban"
	"github.com/marcus-ai/marcus/pkg/intelligence"
	"github.com/marcus-ai/marcus/pkg/logger"
	"github.com/marcus-ai/marcus/pkg/mcp"
	"github.com/marcus-ai/marcus/pkg/memory"
	"github.com/marcus-ai/marcus/pkg/notify"
	"github.com/marcus-ai/marcus/pkg/orchestration"
	"github.com/marcus-ai/marcus/pkg/providers"
)

// Container holds every long-lived component of the coordinator and
// manages their lifecycle in dependency order.
type Container struct {
	Cfg      *config.Config
	Bus      *eventbus.AsyncEventBus
	Engine   *orchestration.Engine
	Memory   *memory.Store
	Health   *orchestration.HealthScanner
	Audit    *persistence.AuditTrail
	Server   *api.Server
	Notifier *notify.SlackNotifier

	subsystems *integration.Registry

	version string
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewContainer builds the full component graph. Nothing starts running
// until Start or ServeStdio.
func NewContainer(cfg *config.Config, version string) (*Container, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	provider, err := kanban.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("kanban provider: %w", err)
	}

	bus := eventbus.New()

	mem, err := memory.Open(cfg.MemoryDatabasePath(), cfg.Memory.ContextCacheSize)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}

	llm, err := providers.New(cfg.AI)
	if err != nil {
		mem.Close()
		bus.Close()
		return nil, fmt.Errorf("ai provider: %w", err)
	}
	intel := intelligence.NewEngine(cfg.AI, llm)

	assignments, err := persistence.NewAssignmentStore(cfg.AssignmentsPath())
	if err != nil {
		mem.Close()
		bus.Close()
		return nil, fmt.Errorf("assignment store: %w", err)
	}

	registry, err := orchestration.NewAgentRegistry(persistence.NewAgentRepository(cfg.StateDir()), bus)
	if err != nil {
		mem.Close()
		bus.Close()
		return nil, fmt.Errorf("agent registry: %w", err)
	}

	engine := orchestration.NewEngine(cfg, orchestration.Deps{
		Store:        orchestration.NewTaskStore(provider),
		Leases:       orchestration.NewLeaseManager(cfg.TaskLease, clock.WallClock, bus),
		Registry:     registry,
		Kanban:       provider,
		Assignments:  assignments,
		Memory:       mem,
		Intelligence: intel,
		Bus:          bus,
	})

	trail, err := persistence.NewAuditTrail(cfg.AuditPath())
	if err != nil {
		mem.Close()
		bus.Close()
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	bus.SubscribeAll(func(e domain.Event) {
		if err := trail.Append(events.FromDomain(e)); err != nil {
			logger.WarnCF("app", "Audit append failed", map[string]interface{}{
				"event": string(e.EventType()),
				"error": err.Error(),
			})
		}
	})

	health := orchestration.NewHealthScanner(engine, cfg.Monitor.HealthCron, clock.WallClock, bus)

	notifier := notify.NewSlackNotifier(cfg.Notify)
	notifier.Attach(bus)

	subsystems := integration.NewRegistry()
	subsystems.Register(newLoop("lease-monitor",
		orchestration.NewLeaseMonitor(engine, cfg.TaskLease, clock.WallClock, bus).Run))
	subsystems.Register(newLoop("assignment-monitor",
		orchestration.NewAssignmentMonitor(engine,
			time.Duration(cfg.Monitor.AssignmentIntervalSeconds)*time.Second).Run))
	subsystems.Register(newLoop("health-scanner", health.Run))

	c := &Container{
		Cfg:        cfg,
		Bus:        bus,
		Engine:     engine,
		Memory:     mem,
		Health:     health,
		Audit:      trail,
		Notifier:   notifier,
		subsystems: subsystems,
		version:    version,
	}
	c.Server = api.NewServer(cfg, api.Options{
		Engine:     engine,
		Bus:        bus,
		Memory:     mem,
		Health:     health,
		Audit:      trail,
		Subsystems: subsystems,
		Version:    version,
	})
	return c, nil
}

// startCore loads the board, restores durable assignments, and launches
// the background monitors.
func (c *Container) startCore(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	// The board is the source of truth; without it the durable assignment
	// set cannot be validated, so a failed restore is fatal.
	if err := c.Engine.Reconcile(c.runCtx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	if err := c.subsystems.InitAll(c.Cfg, c.Bus); err != nil {
		return err
	}
	if err := c.subsystems.StartAll(c.runCtx); err != nil {
		return err
	}

	c.Bus.Publish(domain.NewEvent(domain.EventSystemStartup, "marcus", events.SystemEventData{
		RegisteredAgents: len(c.Engine.Agents()),
		Message:          "coordinator started",
	}))
	return nil
}

// Start boots the coordinator and begins serving HTTP. Non-blocking;
// pair with Stop.
func (c *Container) Start(ctx context.Context) error {
	if err := c.startCore(ctx); err != nil {
		return err
	}
	return c.Server.Start(c.runCtx)
}

// ServeStdio boots the coordinator and serves the agent toolset over
// stdin/stdout instead of HTTP. Logging moves to stderr because stdout
// carries protocol frames. Blocks until stdin closes or ctx is
// cancelled.
func (c *Container) ServeStdio(ctx context.Context) error {
	logger.SetOutput(os.Stderr)

	if err := c.startCore(ctx); err != nil {
		return err
	}

	deps := mcp.Deps{
		Engine: c.Engine,
		Memory: c.Memory,
		Health: c.Health,
		Audit:  c.Audit,
	}
	server := mcp.NewServer("agent", c.version, mcp.AgentToolset(deps))
	return mcp.ServeStdio(c.runCtx, server, os.Stdin, os.Stdout)
}

// Stop shuts the coordinator down in dependency order: monitors and
// transports first, then the event bus (draining its queue into the
// audit trail and notifier), then storage.
func (c *Container) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Server != nil {
		if err := c.Server.Stop(); err != nil {
			logger.WarnCF("app", "Server shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Monitors publish to the bus, so they must drain before it closes.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c.subsystems.StopAll(stopCtx)
	cancel()

	c.Bus.Publish(domain.NewEvent(domain.EventSystemShutdown, "marcus", events.SystemEventData{
		Message: "coordinator stopping",
	}))
	c.Bus.Close()
	c.Notifier.Close()

	if err := c.Audit.Close(); err != nil {
		logger.WarnCF("app", "Audit close error", map[string]interface{}{"error": err.Error()})
	}
	if err := c.Memory.Close(); err != nil {
		logger.WarnCF("app", "Memory close error", map[string]interface{}{"error": err.Error()})
	}
	logger.InfoC("app", "Coordinator stopped")
}
