package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Assignment store — the durable (agent → task) set
// ---------------------------------------------------------------------------

// AssignmentStore keeps every active assignment in a single JSON file and
// rewrites the full set atomically on each mutation. The file is the
// authoritative assignment record across restarts.
type AssignmentStore struct {
	path  string
	mu    sync.Mutex
	items map[string]*coordination.Assignment // keyed by agent_id
}

// NewAssignmentStore opens (or creates) the assignment file at path.
func NewAssignmentStore(path string) (*AssignmentStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &AssignmentStore{
		path:  path,
		items: make(map[string]*coordination.Assignment),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.items); err != nil {
			return nil, fmt.Errorf("parse assignments %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fresh store
	default:
		return nil, fmt.Errorf("read assignments %s: %w", path, err)
	}

	return s, nil
}

// flush rewrites the whole set. Callers hold s.mu.
func (s *AssignmentStore) flush() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Save upserts the agent's assignment and persists the full set.
func (s *AssignmentStore) Save(a *coordination.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[a.AgentID] = a
	if err := s.flush(); err != nil {
		delete(s.items, a.AgentID)
		return err
	}
	return nil
}

// Remove deletes the agent's assignment. Removing an absent record is a
// no-op so release paths stay idempotent.
func (s *AssignmentStore) Remove(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.items[agentID]
	if !ok {
		return nil
	}
	delete(s.items, agentID)
	if err := s.flush(); err != nil {
		s.items[agentID] = prev
		return err
	}
	return nil
}

// FindByAgent returns the agent's assignment, or nil when none exists.
func (s *AssignmentStore) FindByAgent(agentID string) (*coordination.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.items[agentID]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

// FindByTask returns the assignment holding the task, or nil.
func (s *AssignmentStore) FindByTask(taskID string) (*coordination.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.items {
		if a.TaskID == taskID {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

// All returns a snapshot of every active assignment.
func (s *AssignmentStore) All() ([]*coordination.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*coordination.Assignment, 0, len(s.items))
	for _, a := range s.items {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// AssignedTaskIDs returns the task ids currently bound to any agent.
func (s *AssignmentStore) AssignedTaskIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a.TaskID)
	}
	return out, nil
}

// Cleanup flushes the current set on shutdown.
func (s *AssignmentStore) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Count returns the number of active assignments.
func (s *AssignmentStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Compile-time verification
var _ coordination.AssignmentRepository = (*AssignmentStore)(nil)
