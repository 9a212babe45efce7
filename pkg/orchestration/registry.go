package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// ---------------------------------------------------------------------------
// Agent registry — who is allowed to ask for work
// ---------------------------------------------------------------------------

// AgentRegistry tracks registered agents and enforces the capacity
// invariant: an agent holds at most one task. Profiles persist across
// restarts through the repository; capacity state is re-derived from the
// assignment store during startup reconciliation.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*coordination.Agent
	repo   coordination.AgentRepository
	bus    domain.EventBus
}

// NewAgentRegistry loads persisted agents from the repository. A nil
// repository keeps the registry purely in-memory.
func NewAgentRegistry(repo coordination.AgentRepository, bus domain.EventBus) (*AgentRegistry, error) {
	r := &AgentRegistry{
		agents: make(map[string]*coordination.Agent),
		repo:   repo,
		bus:    bus,
	}

	if repo != nil {
		persisted, err := repo.FindAll()
		if err != nil {
			return nil, fmt.Errorf("load agents: %w", err)
		}
		for _, a := range persisted {
			// Capacity is rebuilt from the assignment store, not trusted
			// from the profile file.
			a.CurrentTasks = a.CurrentTasks[:0]
			r.agents[a.AgentID] = a
		}
	}
	return r, nil
}

// Register adds or updates an agent. Re-registration refreshes the
// profile and never touches capacity: an agent reconnecting mid-task must
// not orphan its assignment.
func (r *AgentRegistry) Register(agentID, name, role string, skills []string) (*coordination.Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("register: agent id is required")
	}

	r.mu.Lock()
	existing, ok := r.agents[agentID]
	if ok {
		existing.UpdateProfile(name, role, skills)
	} else {
		existing = coordination.NewAgent(agentID, name, role, skills)
		r.agents[agentID] = existing
	}
	snapshot := existing.Clone()
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return nil, err
	}

	if !ok {
		logger.InfoCF("registry", "Agent registered", map[string]interface{}{
			"agent_id": agentID,
			"role":     role,
			"skills":   len(skills),
		})
		if r.bus != nil {
			r.bus.Publish(domain.NewEvent(domain.EventAgentRegistered, domain.EntityID(agentID), events.AssignmentEventData{
				AgentID: agentID,
			}))
		}
	}
	return snapshot, nil
}

// Get returns a copy of the agent, or false when unknown.
func (r *AgentRegistry) Get(agentID string) (*coordination.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// All returns a copy of every registered agent, ordered by id.
func (r *AgentRegistry) All() []*coordination.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*coordination.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SetCurrent binds a task to the agent. Fails when the agent is unknown
// or already holds a task.
func (r *AgentRegistry) SetCurrent(agentID, taskID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return coordination.ErrAgentNotRegistered
	}
	if err := a.AssignTask(taskID); err != nil {
		r.mu.Unlock()
		return err
	}
	snapshot := a.Clone()
	r.mu.Unlock()

	return r.persist(snapshot)
}

// ClearCurrent releases the task from the agent. Clearing a task the
// agent does not hold is a no-op so release paths stay idempotent.
func (r *AgentRegistry) ClearCurrent(agentID, taskID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return coordination.ErrAgentNotRegistered
	}
	cleared := a.ClearTask(taskID)
	snapshot := a.Clone()
	r.mu.Unlock()

	if !cleared {
		return nil
	}
	return r.persist(snapshot)
}

// RecordCompletion bumps the agent's completion counter.
func (r *AgentRegistry) RecordCompletion(agentID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		a.RecordCompletion()
	}
	var snapshot *coordination.Agent
	if ok {
		snapshot = a.Clone()
	}
	r.mu.Unlock()

	if snapshot != nil {
		if err := r.persist(snapshot); err != nil {
			logger.WarnCF("registry", "Failed to persist completion counter", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
		}
	}
}

// CurrentTaskIDs returns every task id held by any agent. This is the
// in-memory half of the duplicate filter.
func (r *AgentRegistry) CurrentTaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, a := range r.agents {
		out = append(out, a.CurrentTasks...)
	}
	return out
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *AgentRegistry) persist(a *coordination.Agent) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.Save(a); err != nil {
		return fmt.Errorf("persist agent %s: %w", a.AgentID, err)
	}
	return nil
}
