package orchestration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/juju/clock"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// ---------------------------------------------------------------------------
// Health scanner — periodic structural analysis of the board
// ---------------------------------------------------------------------------

// healthPollInterval is how often the scanner checks whether its cron
// expression is due. Cron granularity is one minute, so 30s catches
// every firing without hammering the schedule check.
const healthPollInterval = 30 * time.Second

// HealthScanner runs a cron-scheduled structural scan of the board:
// dependency cycles, gridlock, stuck leases, and dangling dependency
// references. Results go out on the event bus for dashboards and the
// notifier.
type HealthScanner struct {
	engine *Engine
	cron   string
	clock  clock.Clock
	bus    domain.EventBus

	running atomic.Bool
	lastRun time.Time
}

// NewHealthScanner creates a scanner driven by the given cron expression.
func NewHealthScanner(engine *Engine, cronExpr string, clk clock.Clock, bus domain.EventBus) *HealthScanner {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HealthScanner{
		engine: engine,
		cron:   cronExpr,
		clock:  clk,
		bus:    bus,
	}
}

// Run fires Scan on the cron schedule until the context is cancelled.
func (s *HealthScanner) Run(ctx context.Context) {
	gron := gronx.New()
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	logger.InfoCF("health", "Health scanner started", map[string]interface{}{
		"schedule": s.cron,
	})

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("health", "Health scanner stopped")
			return
		case <-ticker.C:
			now := s.clock.Now()
			due, err := gron.IsDue(s.cron, now)
			if err != nil {
				logger.WarnCF("health", "Invalid health schedule", map[string]interface{}{
					"schedule": s.cron,
					"error":    err.Error(),
				})
				return
			}
			if !due {
				continue
			}
			// Cron resolves to the minute; two polls landing in the same
			// minute must not double-fire.
			minute := now.Truncate(time.Minute)
			if minute.Equal(s.lastRun) {
				continue
			}
			s.lastRun = minute
			s.Scan(ctx)
		}
	}
}

// Scan runs one health pass and returns the report. Overlapping scans
// are collapsed; the second caller gets a zero report.
func (s *HealthScanner) Scan(ctx context.Context) events.BoardHealthData {
	if !s.running.CompareAndSwap(false, true) {
		return events.BoardHealthData{}
	}
	defer s.running.Store(false)

	e := s.engine
	if err := e.store.Refresh(ctx); err != nil {
		logger.WarnCF("health", "Board refresh failed, scanning stale snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}

	snapshot := e.store.All()
	cycles := DetectCycles(snapshot)

	e.assignMu.Lock()
	assigned := e.assignedIDsLocked()
	e.assignMu.Unlock()

	outcome := FilterAssignable(FilterInput{
		Tasks:               snapshot,
		AssignedIDs:         assigned,
		HasSubtasks:         e.store.HasSubtasks,
		CompletionThreshold: e.cfg.ProjectSuccess.CompletionThreshold,
	})

	total, todo, inProgress, done, _ := e.store.Counts()

	report := events.BoardHealthData{
		TotalTasks:      total,
		CompletedTasks:  done,
		InProgressTasks: inProgress,
		AssignableTasks: len(outcome.Candidates),
		Cycles:          cycles,
		Gridlocked:      todo > 0 && len(outcome.Candidates) == 0,
		StuckLeases:     e.leases.Statistics().Stuck,
		OrphanedTasks:   danglingDependencies(snapshot),
	}

	if len(report.Cycles) > 0 {
		logger.WarnCF("health", "Dependency cycles detected", map[string]interface{}{
			"cycles": report.Cycles,
		})
	}
	if report.Gridlocked {
		logger.WarnCF("health", "Board is gridlocked", map[string]interface{}{
			"todo_tasks": todo,
			"reason":     outcome.Reason(),
		})
	}
	logger.InfoCF("health", "Health scan complete", map[string]interface{}{
		"total":       report.TotalTasks,
		"completed":   report.CompletedTasks,
		"in_progress": report.InProgressTasks,
		"assignable":  report.AssignableTasks,
		"cycles":      len(report.Cycles),
		"gridlocked":  report.Gridlocked,
	})

	if s.bus != nil {
		s.bus.Publish(domain.NewEvent(domain.EventBoardHealth, "board", report))
	}
	return report
}

// danglingDependencies lists unfinished tasks that reference dependency
// ids absent from the board. Those tasks can never become assignable
// through normal completion.
func danglingDependencies(tasks []*coordination.Task) []string {
	byID := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = true
	}
	var orphaned []string
	for _, t := range tasks {
		if t.Status == coordination.StatusDone {
			continue
		}
		for _, dep := range t.Dependencies {
			if !byID[dep] {
				orphaned = append(orphaned, t.ID)
				break
			}
		}
	}
	return orphaned
}
