package orchestration

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// ---------------------------------------------------------------------------
// Lease manager — time-bounded ownership of assignments
// ---------------------------------------------------------------------------

// Lease is the time-bounded promise that an agent is actively working a
// task. Leases shrink on every renewal so an agent that keeps renewing
// without finishing is reined in progressively.
type Lease struct {
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	CreatedAt     time.Time `json:"created_at"`
	Expires       time.Time `json:"lease_expires"`
	DurationHours float64   `json:"duration_hours"`
	RenewalCount  int       `json:"renewal_count"`
	LastProgress  int       `json:"last_progress"`
	LastMessage   string    `json:"last_message,omitempty"`
	Stuck         bool      `json:"stuck,omitempty"`

	priority       coordination.TaskPriority
	estimatedHours float64
	noProgressRuns int
}

// LeaseStatistics is the snapshot returned by Statistics.
type LeaseStatistics struct {
	Active               int      `json:"active"`
	Expired              int      `json:"expired"`
	TotalRenewals        int      `json:"total_renewals"`
	AverageDurationHours float64  `json:"average_duration_hours"`
	ExpiringSoon         []string `json:"expiring_soon,omitempty"`
	Stuck                []string `json:"stuck,omitempty"`
	OldestTaskID         string   `json:"oldest_task_id,omitempty"`
	OldestAgeHours       float64  `json:"oldest_age_hours,omitempty"`
}

// leaseEntry pairs a lease with its own lock so operations on one task
// never serialize against operations on another.
type leaseEntry struct {
	mu    sync.Mutex
	lease Lease
}

// LeaseManager owns every active lease. The registry lock guards only map
// membership; per-lease mutation happens under the entry lock.
type LeaseManager struct {
	cfg   config.TaskLeaseConfig
	clock clock.Clock
	bus   domain.EventBus

	mu     sync.Mutex
	leases map[string]*leaseEntry
}

// NewLeaseManager creates a lease manager. A nil bus disables events.
func NewLeaseManager(cfg config.TaskLeaseConfig, clk clock.Clock, bus domain.EventBus) *LeaseManager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LeaseManager{
		cfg:    cfg,
		clock:  clk,
		bus:    bus,
		leases: make(map[string]*leaseEntry),
	}
}

// priorityLeaseMultiplier keeps urgent work on a shorter leash: a stalled
// urgent task should come back to the pool faster than a stalled low one.
func priorityLeaseMultiplier(p coordination.TaskPriority) float64 {
	switch p {
	case coordination.PriorityUrgent:
		return 0.7
	case coordination.PriorityHigh:
		return 0.85
	case coordination.PriorityLow:
		return 1.25
	}
	return 1.0
}

// complexityLeaseMultiplier buckets the estimate. Unestimated tasks get
// the neutral multiplier.
func complexityLeaseMultiplier(estimatedHours float64) float64 {
	switch {
	case estimatedHours <= 0:
		return 1.0
	case estimatedHours <= 1:
		return 0.5
	case estimatedHours <= 4:
		return 1.0
	case estimatedHours <= 8:
		return 1.5
	default:
		return 2.0
	}
}

// durationHours computes the effective lease duration for the given
// renewal count. With adaptive sizing off every lease is the flat default.
func (m *LeaseManager) durationHours(priority coordination.TaskPriority, estimatedHours float64, renewals int) float64 {
	hours := m.cfg.DefaultHours
	if m.cfg.EnableAdaptive {
		hours *= priorityLeaseMultiplier(priority) * complexityLeaseMultiplier(estimatedHours)
		hours *= math.Pow(m.cfg.RenewalDecayFactor, float64(renewals))
	}
	if m.cfg.MaxRenewals > 0 && renewals >= m.cfg.MaxRenewals {
		hours = m.cfg.MinLeaseHours
	}
	if hours < m.cfg.MinLeaseHours {
		hours = m.cfg.MinLeaseHours
	}
	if hours > m.cfg.MaxLeaseHours {
		hours = m.cfg.MaxLeaseHours
	}
	return hours
}

// Create issues a fresh lease for the assignment, replacing any stale one
// for the same task.
func (m *LeaseManager) Create(taskID, agentID string, task *coordination.Task) Lease {
	now := m.clock.Now()
	hours := m.durationHours(task.Priority, task.EstimatedHours, 0)

	entry := &leaseEntry{lease: Lease{
		TaskID:         taskID,
		AgentID:        agentID,
		CreatedAt:      now,
		Expires:        now.Add(hoursToDuration(hours)),
		DurationHours:  hours,
		LastProgress:   task.Progress,
		priority:       task.Priority,
		estimatedHours: task.EstimatedHours,
	}}

	m.mu.Lock()
	m.leases[taskID] = entry
	m.mu.Unlock()

	logger.DebugCF("lease", "Lease created", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"hours":    hours,
	})
	m.publish(domain.EventLeaseCreated, taskID, events.LeaseEventData{
		TaskID:  taskID,
		AgentID: agentID,
		Expires: entry.lease.Expires,
	})
	return entry.lease
}

// Renew extends the lease on a progress report. The duration decays with
// each renewal; renewals past the configured maximum are pinned to the
// minimum duration. A lease whose progress has not advanced across the
// stuck threshold is flagged stuck but still renewed — reclamation is the
// monitor's decision, not the renewal path's.
func (m *LeaseManager) Renew(taskID string, progress int, message string) (Lease, bool) {
	m.mu.Lock()
	entry, ok := m.leases[taskID]
	m.mu.Unlock()
	if !ok {
		return Lease{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// The lease may have been expired between the map lookup and here.
	m.mu.Lock()
	current, live := m.leases[taskID]
	m.mu.Unlock()
	if !live || current != entry {
		return Lease{}, false
	}

	l := &entry.lease
	if progress > l.LastProgress {
		l.LastProgress = progress
		l.noProgressRuns = 0
	} else {
		l.noProgressRuns++
	}
	l.RenewalCount++
	l.LastMessage = message

	hours := m.durationHours(l.priority, l.estimatedHours, l.RenewalCount)
	l.DurationHours = hours
	l.Expires = m.clock.Now().Add(hoursToDuration(hours))

	if !l.Stuck && m.cfg.StuckThresholdRenewals > 0 && l.noProgressRuns >= m.cfg.StuckThresholdRenewals {
		l.Stuck = true
		logger.WarnCF("lease", "Lease marked stuck", map[string]interface{}{
			"task_id":  taskID,
			"agent_id": l.AgentID,
			"renewals": l.RenewalCount,
			"progress": l.LastProgress,
		})
		m.publish(domain.EventLeaseStuck, taskID, events.LeaseEventData{
			TaskID:       taskID,
			AgentID:      l.AgentID,
			Expires:      l.Expires,
			RenewalCount: l.RenewalCount,
			Stuck:        true,
		})
	}

	m.publish(domain.EventLeaseRenewed, taskID, events.LeaseEventData{
		TaskID:       taskID,
		AgentID:      l.AgentID,
		Expires:      l.Expires,
		RenewalCount: l.RenewalCount,
		Stuck:        l.Stuck,
	})
	return *l, true
}

// Expire removes the lease on completion or reclamation. Removing an
// absent lease is a no-op.
func (m *LeaseManager) Expire(taskID string) bool {
	m.mu.Lock()
	_, ok := m.leases[taskID]
	delete(m.leases, taskID)
	m.mu.Unlock()

	if ok {
		logger.DebugCF("lease", "Lease expired", map[string]interface{}{"task_id": taskID})
	}
	return ok
}

// Get returns a copy of the task's lease.
func (m *LeaseManager) Get(taskID string) (Lease, bool) {
	m.mu.Lock()
	entry, ok := m.leases[taskID]
	m.mu.Unlock()
	if !ok {
		return Lease{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.lease, true
}

// Active returns a copy of every live lease, ordered by task id.
func (m *LeaseManager) Active() []Lease {
	m.mu.Lock()
	entries := make([]*leaseEntry, 0, len(m.leases))
	for _, e := range m.leases {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Lease, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.lease)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ExpiredBefore returns leases whose expiry lies before the cutoff.
// The monitor passes now minus the grace period.
func (m *LeaseManager) ExpiredBefore(cutoff time.Time) []Lease {
	var out []Lease
	for _, l := range m.Active() {
		if l.Expires.Before(cutoff) {
			out = append(out, l)
		}
	}
	return out
}

// ExpiringWithin returns live leases that will expire inside the window.
func (m *LeaseManager) ExpiringWithin(window time.Duration) []Lease {
	now := m.clock.Now()
	deadline := now.Add(window)

	var out []Lease
	for _, l := range m.Active() {
		if l.Expires.After(now) && l.Expires.Before(deadline) {
			out = append(out, l)
		}
	}
	return out
}

// Statistics summarizes the lease population.
func (m *LeaseManager) Statistics() LeaseStatistics {
	now := m.clock.Now()
	warning := hoursToDuration(m.cfg.WarningHours)

	stats := LeaseStatistics{}
	var totalHours float64
	var oldest time.Time

	for _, l := range m.Active() {
		stats.Active++
		stats.TotalRenewals += l.RenewalCount
		totalHours += l.DurationHours

		if l.Expires.Before(now) {
			stats.Expired++
		} else if l.Expires.Before(now.Add(warning)) {
			stats.ExpiringSoon = append(stats.ExpiringSoon, l.TaskID)
		}
		if l.Stuck {
			stats.Stuck = append(stats.Stuck, l.TaskID)
		}
		if oldest.IsZero() || l.CreatedAt.Before(oldest) {
			oldest = l.CreatedAt
			stats.OldestTaskID = l.TaskID
		}
	}

	if stats.Active > 0 {
		stats.AverageDurationHours = totalHours / float64(stats.Active)
	}
	if !oldest.IsZero() {
		stats.OldestAgeHours = now.Sub(oldest).Hours()
	}
	return stats
}

func (m *LeaseManager) publish(eventType domain.EventType, taskID string, data interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(domain.NewEvent(eventType, domain.EntityID(taskID), data))
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
