package coordination

import (
	"github.com/marcus-ai/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Agent aggregate root
// ---------------------------------------------------------------------------

// Agent is a registered worker. The defining invariant is capacity:
// an agent holds at most one task at any point in time.
type Agent struct {
	domain.AggregateRoot

	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Skills  []string `json:"skills"`

	// CurrentTasks has length zero or one. It stays a list on the wire
	// for forward compatibility with multi-task capacity.
	CurrentTasks []string `json:"current_tasks"`

	CompletedTasksCount int     `json:"completed_tasks_count"`
	PerformanceScore    float64 `json:"performance_score"`

	domain.Timestamps
}

// NewAgent creates a registered agent with empty capacity.
func NewAgent(agentID, name, role string, skills []string) *Agent {
	a := &Agent{
		AgentID:          agentID,
		Name:             name,
		Role:             role,
		Skills:           append([]string(nil), skills...),
		CurrentTasks:     make([]string, 0, 1),
		PerformanceScore: 1.0,
		Timestamps:       domain.NewTimestamps(),
	}
	a.SetID(domain.EntityID(agentID))
	a.RecordEvent(domain.NewEvent(domain.EventAgentRegistered, a.ID(), map[string]string{
		"agent": agentID,
		"role":  role,
	}))
	return a
}

// UpdateProfile applies a re-registration. Capacity state is untouched:
// re-registering mid-task must not orphan the assignment.
func (a *Agent) UpdateProfile(name, role string, skills []string) {
	a.Name = name
	a.Role = role
	a.Skills = append([]string(nil), skills...)
	a.Touch()
}

// CurrentTask returns the held task id, if any.
func (a *Agent) CurrentTask() (string, bool) {
	if len(a.CurrentTasks) == 0 {
		return "", false
	}
	return a.CurrentTasks[0], true
}

// HasCapacity reports whether the agent can accept a task.
func (a *Agent) HasCapacity() bool { return len(a.CurrentTasks) == 0 }

// AssignTask binds a task to the agent. Fails when capacity is exhausted.
func (a *Agent) AssignTask(taskID string) error {
	if !a.HasCapacity() {
		return ErrAgentAlreadyHasTask
	}
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	a.Touch()
	return nil
}

// ClearTask releases the given task if the agent holds it. Clearing a task
// the agent does not hold is a no-op, which keeps release paths idempotent.
func (a *Agent) ClearTask(taskID string) bool {
	for i, id := range a.CurrentTasks {
		if id == taskID {
			a.CurrentTasks = append(a.CurrentTasks[:i], a.CurrentTasks[i+1:]...)
			a.Touch()
			return true
		}
	}
	return false
}

// RecordCompletion tracks a finished task.
func (a *Agent) RecordCompletion() {
	a.CompletedTasksCount++
	a.Touch()
}

// Clone returns a deep copy for registry snapshots.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	c.CurrentTasks = append([]string(nil), a.CurrentTasks...)
	c.AggregateRoot = domain.AggregateRoot{}
	c.SetID(a.ID())
	return &c
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// AgentRepository persists registered agents across restarts.
type AgentRepository interface {
	domain.Repository[Agent]
}
