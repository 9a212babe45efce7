// Package persistence provides repository implementations backed by the
// filesystem. These are the infrastructure adapters for domain repository
// interfaces.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Atomic file write — shared building block
// ---------------------------------------------------------------------------

// writeFileAtomic writes data via a temp file, fsync, and rename so a crash
// mid-write never leaves a torn file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Generic JSON file store — reusable building block
// ---------------------------------------------------------------------------

// JSONStore provides generic JSON file-based persistence for any
// serializable type. It keeps an in-memory cache and persists one file per
// entity on every Put/Remove.
type JSONStore[T any] struct {
	baseDir string
	items   map[domain.EntityID]*T
	mu      sync.RWMutex
}

// NewJSONStore creates a new file-backed store.
func NewJSONStore[T any](baseDir string) *JSONStore[T] {
	os.MkdirAll(baseDir, 0o755)
	return &JSONStore[T]{
		baseDir: baseDir,
		items:   make(map[domain.EntityID]*T),
	}
}

// Load reads all JSON files from the base directory into memory.
func (s *JSONStore[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}

		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}

		// Use filename (without .json) as ID
		id := domain.EntityID(entry.Name()[:len(entry.Name())-5])
		s.items[id] = &item
	}

	return nil
}

// Get retrieves an item by ID.
func (s *JSONStore[T]) Get(id domain.EntityID) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	return item, ok
}

// Put saves an item to memory and disk.
func (s *JSONStore[T]) Put(id domain.EntityID, item *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[id] = item

	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	path := filepath.Join(s.baseDir, string(id)+".json")
	return writeFileAtomic(path, data)
}

// Remove deletes an item from memory and disk.
func (s *JSONStore[T]) Remove(id domain.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false
	}

	delete(s.items, id)
	os.Remove(filepath.Join(s.baseDir, string(id)+".json"))
	return true
}

// All returns all items.
func (s *JSONStore[T]) All() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*T, 0, len(s.items))
	for _, item := range s.items {
		result = append(result, item)
	}
	return result
}

// Count returns the number of stored items.
func (s *JSONStore[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ---------------------------------------------------------------------------
// Agent repository implementation
// ---------------------------------------------------------------------------

// AgentRepository is the filesystem-backed implementation of
// coordination.AgentRepository. It keeps registered agents (skills, role,
// completion counters) across restarts; capacity state is re-derived from
// the assignment store on startup.
type AgentRepository struct {
	store *JSONStore[coordination.Agent]
}

// NewAgentRepository creates a new agent repository under baseDir.
func NewAgentRepository(baseDir string) *AgentRepository {
	store := NewJSONStore[coordination.Agent](filepath.Join(baseDir, "agents"))
	store.Load()
	return &AgentRepository{store: store}
}

func (r *AgentRepository) FindByID(id domain.EntityID) (*coordination.Agent, error) {
	a, ok := r.store.Get(id)
	if !ok {
		return nil, coordination.ErrAgentNotRegistered
	}
	a.SetID(id)
	return a, nil
}

func (r *AgentRepository) FindAll() ([]*coordination.Agent, error) {
	agents := r.store.All()
	for _, a := range agents {
		a.SetID(domain.EntityID(a.AgentID))
	}
	return agents, nil
}

func (r *AgentRepository) Save(a *coordination.Agent) error {
	return r.store.Put(domain.EntityID(a.AgentID), a)
}

func (r *AgentRepository) Delete(id domain.EntityID) error {
	if !r.store.Remove(id) {
		return coordination.ErrAgentNotRegistered
	}
	return nil
}

// Compile-time verification
var _ coordination.AgentRepository = (*AgentRepository)(nil)
