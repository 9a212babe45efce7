// Package orchestration is the coordination core: it decides which task an
// agent works on next, bounds how long that work may be held through leases,
// and keeps the board, the durable assignment set, and the agent registry
// consistent with each other.
//
// This is the "project brain" — it answers:
//   - Which task should this agent pick up?
//   - Is anyone already working on it?
//   - What happens when an agent goes silent?
//   - How do we prevent double assignment?
package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/integration/kanban"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// ---------------------------------------------------------------------------
// Task store — the in-memory board snapshot
// ---------------------------------------------------------------------------

// TaskStore holds a consistent snapshot of every task and subtask. The
// kanban board is the source of truth for top-level tasks; subtasks
// migrated into the store locally survive refreshes because the board is
// not required to know about them.
type TaskStore struct {
	mu       sync.RWMutex
	provider kanban.Provider

	tasks map[string]*coordination.Task
	order []string        // insertion order, stable across refreshes
	local map[string]bool // ids the board has never reported
}

// NewTaskStore creates an empty store over the given provider.
func NewTaskStore(provider kanban.Provider) *TaskStore {
	return &TaskStore{
		provider: provider,
		tasks:    make(map[string]*coordination.Task),
		local:    make(map[string]bool),
	}
}

// Refresh pulls the board and rebuilds the snapshot. Local-only subtasks
// are carried over unchanged; tasks the board knows about are replaced
// wholesale so status, assignee and progress always reflect the board.
// A subtask whose parent vanished from the board is dropped, keeping the
// parent-resolution invariant intact.
func (s *TaskStore) Refresh(ctx context.Context) error {
	fetched, err := s.provider.GetAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("refresh task store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*coordination.Task, len(fetched))
	local := make(map[string]bool)
	var order []string
	for _, t := range fetched {
		next[t.ID] = t.Clone()
		order = append(order, t.ID)
	}

	// Carry over subtasks the board does not store.
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil || !t.IsSubtask {
			continue
		}
		if _, onBoard := next[id]; onBoard {
			continue
		}
		if _, ok := next[t.ParentTaskID]; !ok {
			logger.WarnCF("taskstore", "Dropping subtask with missing parent", map[string]interface{}{
				"task_id":   t.ID,
				"parent_id": t.ParentTaskID,
			})
			continue
		}
		next[id] = t
		order = append(order, id)
		local[id] = true
	}

	s.tasks = next
	s.order = order
	s.local = local
	return nil
}

// MigrateSubtasks installs locally decomposed subtasks under a parent.
// Each subtask is stamped with the parent id and its position; calling
// again with the same ids replaces the previous copies.
func (s *TaskStore) MigrateSubtasks(parentID string, subtasks []*coordination.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[parentID]; !ok {
		return fmt.Errorf("migrate subtasks: parent %s: %w", parentID, coordination.ErrTaskNotFound)
	}

	for i, sub := range subtasks {
		c := sub.Clone()
		c.IsSubtask = true
		c.ParentTaskID = parentID
		c.SubtaskIndex = i + 1
		if _, exists := s.tasks[c.ID]; !exists {
			s.order = append(s.order, c.ID)
			s.local[c.ID] = true
		}
		s.tasks[c.ID] = c
	}

	logger.InfoCF("taskstore", "Subtasks migrated", map[string]interface{}{
		"parent_id": parentID,
		"count":     len(subtasks),
	})
	return nil
}

// Get returns a copy of the task, or false when unknown.
func (s *TaskStore) Get(id string) (*coordination.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns a copy of every task in insertion order.
func (s *TaskStore) All() []*coordination.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*coordination.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Children returns the subtasks of a parent, ordered by subtask index.
func (s *TaskStore) Children(parentID string) []*coordination.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*coordination.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t != nil && t.IsSubtask && t.ParentTaskID == parentID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// IsLocal reports whether the task exists only in this store. The board
// never hears about local tasks; their progress reaches it as comments on
// the parent's row.
func (s *TaskStore) IsLocal(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local[id]
}

// HasSubtasks reports whether at least one subtask names this parent.
func (s *TaskStore) HasSubtasks(parentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.IsSubtask && t.ParentTaskID == parentID {
			return true
		}
	}
	return false
}

// Mutate applies fn to the stored task under the write lock. It keeps the
// snapshot current between refreshes after the engine commits a change to
// the board. Returns false when the task is unknown.
func (s *TaskStore) Mutate(id string, fn func(*coordination.Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	t.Touch()
	return true
}

// Counts returns the task totals by status.
func (s *TaskStore) Counts() (total, todo, inProgress, done, blocked int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total = len(s.tasks)
	for _, t := range s.tasks {
		switch t.Status {
		case coordination.StatusTodo:
			todo++
		case coordination.StatusInProgress:
			inProgress++
		case coordination.StatusDone:
			done++
		case coordination.StatusBlocked:
			blocked++
		}
	}
	return total, todo, inProgress, done, blocked
}
