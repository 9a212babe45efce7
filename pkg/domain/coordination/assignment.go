package coordination

import (
	"github.com/marcus-ai/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Assignment record
// ---------------------------------------------------------------------------

// Assignment is the durable binding of one agent to one task. Exactly one
// record exists per agent, and a task id appears in at most one record.
type Assignment struct {
	AgentID        string           `json:"agent_id"`
	TaskID         string           `json:"task_id"`
	TaskName       string           `json:"name"`
	Priority       TaskPriority     `json:"priority"`
	EstimatedHours float64          `json:"estimated_hours"`
	AssignedAt     domain.Timestamp `json:"assigned_at"`
}

// NewAssignment binds an agent to a task at the current time.
func NewAssignment(agentID string, task *Task) *Assignment {
	return &Assignment{
		AgentID:        agentID,
		TaskID:         task.ID,
		TaskName:       task.Name,
		Priority:       task.Priority,
		EstimatedHours: task.EstimatedHours,
		AssignedAt:     domain.Now(),
	}
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// AssignmentRepository is the durable assignment set. Implementations must
// make every mutation an atomic read-modify-write of the full set so a
// crash never leaves a torn record.
type AssignmentRepository interface {
	// Save upserts the agent's assignment.
	Save(a *Assignment) error
	// Remove deletes the agent's assignment. Removing an absent record
	// is a no-op.
	Remove(agentID string) error
	// FindByAgent returns the agent's assignment, or nil when none.
	FindByAgent(agentID string) (*Assignment, error)
	// FindByTask returns the assignment holding the task, or nil.
	FindByTask(taskID string) (*Assignment, error)
	// All returns every active assignment.
	All() ([]*Assignment, error)
	// AssignedTaskIDs returns the task ids currently bound. Seeds the
	// duplicate filter before every assignment decision.
	AssignedTaskIDs() ([]string, error)
	// Cleanup flushes pending state on shutdown.
	Cleanup() error
}
