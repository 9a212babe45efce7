// Package kanban connects the coordination server to an external project
// board. The orchestration engine consumes the Provider interface and never
// sees provider specifics; implementations translate board records into
// coordination.Task values and back.
//
// Two providers ship in-tree: a GitHub issues-as-tasks wrapper for real
// projects and an in-process memory board for tests and local development.
package kanban

import (
	"context"
	"fmt"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Provider interface
// ---------------------------------------------------------------------------

// Provider is the board operations the engine depends on. Any call may fail
// with coordination.ErrKanbanUnavailable; the engine treats that as fatal to
// the current request and rolls back rather than retrying inline.
type Provider interface {
	// GetAllTasks returns a snapshot of every task on the board.
	GetAllTasks(ctx context.Context) ([]*coordination.Task, error)

	// GetTaskByID returns a single task, or coordination.ErrTaskNotFound.
	GetTaskByID(ctx context.Context, id string) (*coordination.Task, error)

	// UpdateTask applies the non-nil fields of update to the task.
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error

	// UpdateTaskProgress records status, completion percentage and an
	// optional note reported by the working agent.
	UpdateTaskProgress(ctx context.Context, id string, info ProgressInfo) error

	// AddComment appends a free-form comment to the task.
	AddComment(ctx context.Context, id string, text string) error
}

// TaskUpdate carries a partial task mutation. Nil fields are left untouched
// on the board.
type TaskUpdate struct {
	Status     *coordination.TaskStatus
	Priority   *coordination.TaskPriority
	AssignedTo *string
	Progress   *int
}

// Assign returns the update committed when an agent claims a task.
func Assign(agentID string) TaskUpdate {
	st := coordination.StatusInProgress
	return TaskUpdate{Status: &st, AssignedTo: &agentID}
}

// Release returns the update committed when an assignment is unwound. The
// task goes back to the todo column with no attribution and no progress.
func Release() TaskUpdate {
	st := coordination.StatusTodo
	nobody := ""
	zero := 0
	return TaskUpdate{Status: &st, AssignedTo: &nobody, Progress: &zero}
}

// ProgressInfo is a progress report to mirror onto the board.
type ProgressInfo struct {
	Status   coordination.TaskStatus
	Progress int
	Message  string
	AgentID  string
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// New builds the provider selected by the configuration.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.Kanban.Provider {
	case "memory":
		return NewMemoryProvider(), nil
	case "github":
		return NewGitHubProvider(cfg.Kanban.GitHub), nil
	default:
		return nil, fmt.Errorf("unknown kanban provider %q", cfg.Kanban.Provider)
	}
}

// unavailable wraps a transport failure so errors.Is recognizes it as a
// board outage while keeping the underlying cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("kanban %s: %w: %v", op, coordination.ErrKanbanUnavailable, err)
}
