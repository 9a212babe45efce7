package memory

import (
	"context"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// TaskContext is everything an agent should know before starting a task:
// prior work on the task, who depends on it, and (for subtasks) what the
// rest of the family has already settled on.
type TaskContext struct {
	TaskID            string           `json:"task_id"`
	Implementations   []Implementation `json:"implementations"`
	Decisions         []Decision       `json:"decisions"`
	DependentTasks    []DependentTask  `json:"dependent_tasks"`
	Artifacts         []Artifact       `json:"artifacts"`
	IsSubtask         bool             `json:"is_subtask"`
	ParentTask        *ParentSummary   `json:"parent_task,omitempty"`
	SharedConventions []Decision       `json:"shared_conventions,omitempty"`
}

// DependentTask names a task waiting on this one.
type DependentTask struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ParentSummary describes a subtask's parent.
type ParentSummary struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// dbContext is the database-derived slice of a task context. Cached per
// task; board-derived fields are recomputed on every build since they
// change without writes to this store.
type dbContext struct {
	implementations []Implementation
	decisions       []Decision
	artifacts       []Artifact
}

// BuildContext assembles the context for a task against the given board
// snapshot. The snapshot supplies dependency and family structure; the
// store supplies recorded knowledge.
func (s *Store) BuildContext(ctx context.Context, task *coordination.Task, board []*coordination.Task) (*TaskContext, error) {
	dbc, err := s.loadDBContext(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	tc := &TaskContext{
		TaskID:          task.ID,
		Implementations: dbc.implementations,
		Decisions:       dbc.decisions,
		Artifacts:       dbc.artifacts,
		IsSubtask:       task.IsSubtask,
	}

	for _, other := range board {
		if other.ID == task.ID {
			continue
		}
		if other.DependsOn(task.ID) {
			tc.DependentTasks = append(tc.DependentTasks, DependentTask{
				TaskID: other.ID,
				Name:   other.Name,
				Status: string(other.Status),
			})
		}
	}

	if task.IsSubtask && task.ParentTaskID != "" {
		for _, other := range board {
			if other.ID != task.ParentTaskID {
				continue
			}
			tc.ParentTask = &ParentSummary{
				TaskID:   other.ID,
				Name:     other.Name,
				Status:   string(other.Status),
				Progress: other.Progress,
			}
			break
		}
		// Conventions settled by the family live on the parent, including
		// decisions promoted up from completed siblings.
		parentCtx, err := s.loadDBContext(ctx, task.ParentTaskID)
		if err != nil {
			return nil, err
		}
		tc.SharedConventions = parentCtx.decisions
	}

	return tc, nil
}

func (s *Store) loadDBContext(ctx context.Context, taskID string) (*dbContext, error) {
	if cached, ok := s.cache.Get(taskID); ok {
		return cached, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	impls, err := s.implementationsLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.decisionsLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.artifactsLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}

	dbc := &dbContext{implementations: impls, decisions: decisions, artifacts: artifacts}
	s.cache.Add(taskID, dbc)
	return dbc, nil
}
