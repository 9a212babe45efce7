// Package coordination defines the task-coordination bounded context:
// tasks imported from the kanban board, worker agents, and the
// assignment records binding them. The assignment engine in
// pkg/orchestration operates exclusively on these types.
package coordination

import (
	"github.com/marcus-ai/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Task status and priority
// ---------------------------------------------------------------------------

// TaskStatus is the kanban lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// ParseTaskStatus normalizes a wire status string. Unknown strings map to
// todo so an unrecognized board column never silently completes work.
func ParseTaskStatus(s string) TaskStatus {
	switch TaskStatus(s) {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return TaskStatus(s)
	}
	return StatusTodo
}

func (s TaskStatus) String() string { return string(s) }

// Valid returns true if the status is recognized.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// TaskPriority orders tasks for scheduling.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ParseTaskPriority normalizes a wire priority string, defaulting to medium.
func ParseTaskPriority(s string) TaskPriority {
	switch TaskPriority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return TaskPriority(s)
	}
	return PriorityMedium
}

func (p TaskPriority) String() string { return string(p) }

// Weight is the scoring contribution of the priority.
func (p TaskPriority) Weight() float64 {
	switch p {
	case PriorityUrgent:
		return 1.0
	case PriorityHigh:
		return 0.8
	case PriorityMedium:
		return 0.5
	case PriorityLow:
		return 0.2
	}
	return 0.5
}

// Rank orders priorities for tie-breaking; higher is more urgent.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// ---------------------------------------------------------------------------
// Task entity
// ---------------------------------------------------------------------------

// Task is the unit of work. IDs are opaque strings owned by the kanban
// provider; subtasks exist only in the local store unless the provider
// materializes them.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	AssignedTo   string   `json:"assigned_to,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Labels       []string `json:"labels,omitempty"`

	EstimatedHours float64 `json:"estimated_hours,omitempty"`
	Progress       int     `json:"progress"`

	IsSubtask    bool   `json:"is_subtask,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	SubtaskIndex int    `json:"subtask_index,omitempty"`

	DueDate domain.Timestamp `json:"due_date,omitempty"`
	domain.Timestamps
}

// Clone returns a deep copy so store snapshots cannot alias caller slices.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Labels != nil {
		c.Labels = append([]string(nil), t.Labels...)
	}
	return &c
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DependsOn reports whether the task lists id as a dependency.
func (t *Task) DependsOn(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// IsAssigned reports whether the task is attributed to an agent.
func (t *Task) IsAssigned() bool { return t.AssignedTo != "" }

// SharesLabelWith reports whether two tasks overlap on any label.
// Tasks sharing a label belong to the same feature for phase gating.
func (t *Task) SharesLabelWith(other *Task) bool {
	if t == nil || other == nil {
		return false
	}
	for _, l := range t.Labels {
		if other.HasLabel(l) {
			return true
		}
	}
	return false
}
