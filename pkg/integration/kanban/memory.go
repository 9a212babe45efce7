package kanban

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// Operation names accepted by MemoryProvider.FailWith.
const (
	OpGetAllTasks        = "get_all_tasks"
	OpGetTaskByID        = "get_task_by_id"
	OpUpdateTask         = "update_task"
	OpUpdateTaskProgress = "update_task_progress"
	OpAddComment         = "add_comment"
)

// MemoryProvider is an in-process board used by tests and local development.
// It honors the same contract as the real providers, including injectable
// transport failures so callers can exercise their rollback paths.
type MemoryProvider struct {
	mu       sync.RWMutex
	tasks    map[string]*coordination.Task
	order    []string
	comments map[string][]string
	failures map[string]error
}

// NewMemoryProvider returns an empty board.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		tasks:    make(map[string]*coordination.Task),
		comments: make(map[string][]string),
		failures: make(map[string]error),
	}
}

var _ Provider = (*MemoryProvider)(nil)

// Seed inserts tasks, replacing any with the same id. Listing order follows
// first insertion.
func (m *MemoryProvider) Seed(tasks ...*coordination.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		c := t.Clone()
		if c.CreatedAt.IsZero() {
			c.Timestamps = domain.NewTimestamps()
		}
		if _, exists := m.tasks[c.ID]; !exists {
			m.order = append(m.order, c.ID)
		}
		m.tasks[c.ID] = c
	}
}

// FailWith makes the named operation return err until cleared with nil.
func (m *MemoryProvider) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Comments returns the comment log for a task, oldest first.
func (m *MemoryProvider) Comments(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.comments[id]...)
}

func (m *MemoryProvider) injected(op string) error {
	if err := m.failures[op]; err != nil {
		return unavailable(op, err)
	}
	return nil
}

// GetAllTasks returns clones of every task in insertion order.
func (m *MemoryProvider) GetAllTasks(ctx context.Context) ([]*coordination.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(OpGetAllTasks, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected(OpGetAllTasks); err != nil {
		return nil, err
	}
	out := make([]*coordination.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

// GetTaskByID returns a clone of one task.
func (m *MemoryProvider) GetTaskByID(ctx context.Context, id string) (*coordination.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(OpGetTaskByID, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected(OpGetTaskByID); err != nil {
		return nil, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// UpdateTask applies the non-nil fields of update.
func (m *MemoryProvider) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	if err := ctx.Err(); err != nil {
		return unavailable(OpUpdateTask, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpUpdateTask); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.Priority != nil {
		t.Priority = *update.Priority
	}
	if update.AssignedTo != nil {
		t.AssignedTo = *update.AssignedTo
	}
	if update.Progress != nil {
		t.Progress = *update.Progress
	}
	t.Touch()
	return nil
}

// UpdateTaskProgress records a progress report and logs its message as a
// comment, matching what the GitHub provider does.
func (m *MemoryProvider) UpdateTaskProgress(ctx context.Context, id string, info ProgressInfo) error {
	if err := ctx.Err(); err != nil {
		return unavailable(OpUpdateTaskProgress, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpUpdateTaskProgress); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	t.Status = info.Status
	t.Progress = info.Progress
	if info.Status == coordination.StatusDone {
		t.Progress = 100
	}
	t.Touch()
	if info.Message != "" {
		m.comments[id] = append(m.comments[id], progressComment(info))
	}
	return nil
}

// AddComment appends to the task's comment log.
func (m *MemoryProvider) AddComment(ctx context.Context, id string, text string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(OpAddComment, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpAddComment); err != nil {
		return err
	}
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	m.comments[id] = append(m.comments[id], text)
	return nil
}

// progressComment renders a progress report the way it appears on a board.
func progressComment(info ProgressInfo) string {
	who := info.AgentID
	if who == "" {
		who = "agent"
	}
	return fmt.Sprintf("[%s] %d%% (%s): %s", who, info.Progress, info.Status, info.Message)
}
