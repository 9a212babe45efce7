package orchestration

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// ---------------------------------------------------------------------------
// Lease monitor — warns on expiring leases, reclaims dead ones
// ---------------------------------------------------------------------------

// minSweepInterval floors the poll so a tiny warning window cannot spin
// the monitor.
const minSweepInterval = 5 * time.Second

// LeaseMonitor watches the lease population. It warns when a lease nears
// expiry and reclaims assignments whose lease expired longer than the
// grace period ago, returning their tasks to the pool.
type LeaseMonitor struct {
	engine *Engine
	cfg    config.TaskLeaseConfig
	clock  clock.Clock
	bus    domain.EventBus

	running atomic.Bool
	warned  map[string]bool
}

// NewLeaseMonitor creates the monitor over the engine's lease manager.
func NewLeaseMonitor(engine *Engine, cfg config.TaskLeaseConfig, clk clock.Clock, bus domain.EventBus) *LeaseMonitor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LeaseMonitor{
		engine: engine,
		cfg:    cfg,
		clock:  clk,
		bus:    bus,
		warned: make(map[string]bool),
	}
}

// Interval is a quarter of the warning window, floored so the monitor
// always fires a few times before a lease can silently expire.
func (m *LeaseMonitor) Interval() time.Duration {
	interval := hoursToDuration(m.cfg.WarningHours / 4)
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

// Run polls until the context is cancelled.
func (m *LeaseMonitor) Run(ctx context.Context) {
	interval := m.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.InfoCF("monitor", "Lease monitor started", map[string]interface{}{
		"interval": interval.String(),
		"grace":    (time.Duration(m.cfg.GracePeriodMinutes) * time.Minute).String(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("monitor", "Lease monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one monitor pass and returns how many leases were
// reclaimed. A pass that starts while the previous one is still running
// is skipped rather than queued.
func (m *LeaseMonitor) Sweep(ctx context.Context) int {
	if !m.running.CompareAndSwap(false, true) {
		return 0
	}
	defer m.running.Store(false)

	now := m.clock.Now()
	warningWindow := hoursToDuration(m.cfg.WarningHours)

	// Warn once per lease approaching expiry; the flag resets when a
	// renewal pushes the lease back out of the window.
	expiring := make(map[string]bool)
	for _, l := range m.engine.leases.ExpiringWithin(warningWindow) {
		expiring[l.TaskID] = true
		if m.warned[l.TaskID] {
			continue
		}
		m.warned[l.TaskID] = true
		logger.WarnCF("monitor", "Lease expiring soon", map[string]interface{}{
			"task_id":  l.TaskID,
			"agent_id": l.AgentID,
			"expires":  l.Expires.Format(time.RFC3339),
		})
		m.publish(domain.EventLeaseExpiring, l.TaskID, events.LeaseEventData{
			TaskID:       l.TaskID,
			AgentID:      l.AgentID,
			Expires:      l.Expires,
			RenewalCount: l.RenewalCount,
		})
	}
	for id := range m.warned {
		if _, still := expiring[id]; !still {
			if lease, ok := m.engine.leases.Get(id); !ok || lease.Expires.After(now.Add(warningWindow)) {
				delete(m.warned, id)
			}
		}
	}

	grace := time.Duration(m.cfg.GracePeriodMinutes) * time.Minute
	cutoff := now.Add(-grace)

	reclaimed := 0
	for _, l := range m.engine.leases.ExpiredBefore(cutoff) {
		err := m.engine.UnassignTask(ctx, l.TaskID, l.AgentID, "lease expired")
		switch {
		case err == nil:
			reclaimed++
			logger.InfoCF("monitor", "Lease reclaimed", map[string]interface{}{
				"task_id":  l.TaskID,
				"agent_id": l.AgentID,
				"renewals": l.RenewalCount,
			})
			m.publish(domain.EventLeaseReclaimed, l.TaskID, events.LeaseEventData{
				TaskID:       l.TaskID,
				AgentID:      l.AgentID,
				Expires:      l.Expires,
				RenewalCount: l.RenewalCount,
				Stuck:        l.Stuck,
				Reason:       coordination.ErrLeaseExpired.Error(),
			})
		case errors.Is(err, coordination.ErrTaskNotAssigned):
			// Lease without a backing assignment; drop the straggler.
			m.engine.leases.Expire(l.TaskID)
		default:
			logger.WarnCF("monitor", "Reclaim failed, will retry", map[string]interface{}{
				"task_id": l.TaskID,
				"error":   err.Error(),
			})
		}
	}
	return reclaimed
}

func (m *LeaseMonitor) publish(eventType domain.EventType, taskID string, data interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(domain.NewEvent(eventType, domain.EntityID(taskID), data))
}

// ---------------------------------------------------------------------------
// Assignment monitor — keeps the board and the durable set agreeing
// ---------------------------------------------------------------------------

// AssignmentMonitor periodically reconciles the three assignment views.
// Durable records for finished or vanished tasks are purged; in-progress
// board tasks nobody holds are reset to TODO; parent rollups that failed
// mid-flight are retried.
type AssignmentMonitor struct {
	engine   *Engine
	interval time.Duration

	running atomic.Bool
}

// NewAssignmentMonitor creates the monitor with the configured interval.
func NewAssignmentMonitor(engine *Engine, interval time.Duration) *AssignmentMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AssignmentMonitor{engine: engine, interval: interval}
}

// Run reconciles until the context is cancelled.
func (m *AssignmentMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logger.InfoCF("monitor", "Assignment monitor started", map[string]interface{}{
		"interval": m.interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("monitor", "Assignment monitor stopped")
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				logger.WarnCF("monitor", "Reconciliation pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Reconcile runs one pass. Passes never overlap; a tick arriving while
// one is in flight is skipped.
func (m *AssignmentMonitor) Reconcile(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	defer m.running.Store(false)

	e := m.engine
	if err := e.store.Refresh(ctx); err != nil {
		return err
	}

	assignments, err := e.assignments.All()
	if err != nil {
		return err
	}
	byTask := make(map[string]*coordination.Assignment, len(assignments))
	byAgent := make(map[string]*coordination.Assignment, len(assignments))
	for _, a := range assignments {
		byTask[a.TaskID] = a
		byAgent[a.AgentID] = a
	}

	// Durable records pointing at finished or vanished tasks. Closing an
	// issue by hand counts as completing it; the agent is freed.
	for _, a := range assignments {
		task, ok := e.store.Get(a.TaskID)
		if ok && task.Status != coordination.StatusDone {
			continue
		}
		logger.InfoCF("monitor", "Releasing assignment resolved outside the engine", map[string]interface{}{
			"task_id":  a.TaskID,
			"agent_id": a.AgentID,
		})
		if err := e.assignments.Remove(a.AgentID); err != nil {
			logger.WarnCF("monitor", "Failed to purge assignment record", map[string]interface{}{
				"agent_id": a.AgentID,
				"error":    err.Error(),
			})
			continue
		}
		delete(byTask, a.TaskID)
		delete(byAgent, a.AgentID)
		if err := e.registry.ClearCurrent(a.AgentID, a.TaskID); err != nil {
			logger.WarnCF("monitor", "Failed to clear agent capacity", map[string]interface{}{
				"agent_id": a.AgentID,
				"error":    err.Error(),
			})
		}
		e.leases.Expire(a.TaskID)
		if e.bus != nil {
			e.bus.Publish(domain.NewEvent(domain.EventTaskUnassigned, domain.EntityID(a.TaskID), events.AssignmentEventData{
				TaskID:  a.TaskID,
				AgentID: a.AgentID,
				Reason:  "resolved externally",
			}))
		}
	}

	// In-progress board tasks nobody holds. Skip in-flight reservations:
	// a request between its board write and its durable write is not an
	// orphan.
	for _, t := range e.store.All() {
		if t.Status != coordination.StatusInProgress {
			continue
		}
		if _, held := byTask[t.ID]; held {
			continue
		}
		if e.isReserved(t.ID) {
			continue
		}
		logger.WarnCF("monitor", "Resetting in-progress task with no assignment record", map[string]interface{}{
			"task_id":     t.ID,
			"assigned_to": t.AssignedTo,
		})
		if err := e.boardRelease(ctx, t.ID); err != nil {
			logger.WarnCF("monitor", "Board reset failed, will retry", map[string]interface{}{
				"task_id": t.ID,
				"error":   err.Error(),
			})
			continue
		}
		e.store.Mutate(t.ID, func(task *coordination.Task) {
			task.Status = coordination.StatusTodo
			task.AssignedTo = ""
			task.Progress = 0
		})
		if e.bus != nil {
			e.bus.Publish(domain.NewEvent(domain.EventTaskUnassigned, domain.EntityID(t.ID), events.AssignmentEventData{
				TaskID:  t.ID,
				AgentID: t.AssignedTo,
				Reason:  "no assignment record",
			}))
		}
	}

	// Agent capacity without a durable record.
	for _, agent := range e.registry.All() {
		current, has := agent.CurrentTask()
		if !has {
			continue
		}
		if a, ok := byAgent[agent.AgentID]; ok && a.TaskID == current {
			continue
		}
		logger.WarnCF("monitor", "Clearing stale agent capacity", map[string]interface{}{
			"agent_id": agent.AgentID,
			"task_id":  current,
		})
		if err := e.registry.ClearCurrent(agent.AgentID, current); err != nil {
			logger.WarnCF("monitor", "Failed to clear agent capacity", map[string]interface{}{
				"agent_id": agent.AgentID,
				"error":    err.Error(),
			})
		}
	}

	// Parents whose rollup failed mid-flight.
	for _, t := range e.store.All() {
		if t.IsSubtask || t.Status == coordination.StatusDone {
			continue
		}
		if !e.store.HasSubtasks(t.ID) {
			continue
		}
		e.completeParentIfDone(ctx, t.ID)
	}

	return nil
}

// isReserved reports whether a task sits in the in-flight reservation set.
func (e *Engine) isReserved(taskID string) bool {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()
	return e.reserved.Contains(taskID)
}
