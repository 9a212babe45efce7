package orchestration

import (
	"errors"
	"sort"
	"testing"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
)

func TestRegistryRegisterAndReRegister(t *testing.T) {
	r, err := NewAgentRegistry(nil, nil)
	if err != nil {
		t.Fatalf("NewAgentRegistry: %v", err)
	}

	a, err := r.Register("a1", "Worker One", "backend", []string{"go", "api"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.AgentID != "a1" || len(a.Skills) != 2 {
		t.Fatalf("registered agent = %+v", a)
	}

	// Re-registration mid-task updates the profile without orphaning the
	// assignment.
	if err := r.SetCurrent("a1", "t1"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	updated, err := r.Register("a1", "Worker One", "backend", []string{"go", "api", "sql"})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if len(updated.Skills) != 3 {
		t.Fatalf("skills not updated: %+v", updated.Skills)
	}
	if current, ok := updated.CurrentTask(); !ok || current != "t1" {
		t.Fatalf("re-registration dropped the current task: %+v", updated.CurrentTasks)
	}
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	r, _ := NewAgentRegistry(nil, nil)
	if _, err := r.Register("", "x", "y", nil); err == nil {
		t.Fatal("Register accepted an empty agent id")
	}
}

func TestRegistryCapacity(t *testing.T) {
	r, _ := NewAgentRegistry(nil, nil)
	r.Register("a1", "one", "backend", nil)

	if err := r.SetCurrent("ghost", "t1"); !errors.Is(err, coordination.ErrAgentNotRegistered) {
		t.Fatalf("SetCurrent unknown agent = %v, want ErrAgentNotRegistered", err)
	}
	if err := r.SetCurrent("a1", "t1"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	if err := r.SetCurrent("a1", "t2"); !errors.Is(err, coordination.ErrAgentAlreadyHasTask) {
		t.Fatalf("second SetCurrent = %v, want ErrAgentAlreadyHasTask", err)
	}

	// Clearing a task the agent does not hold is a no-op.
	if err := r.ClearCurrent("a1", "t2"); err != nil {
		t.Fatalf("ClearCurrent of unheld task = %v", err)
	}
	a, _ := r.Get("a1")
	if current, ok := a.CurrentTask(); !ok || current != "t1" {
		t.Fatalf("wrong task cleared: %+v", a.CurrentTasks)
	}

	if err := r.ClearCurrent("a1", "t1"); err != nil {
		t.Fatalf("ClearCurrent: %v", err)
	}
	if a, _ := r.Get("a1"); !a.HasCapacity() {
		t.Fatal("capacity not released")
	}
	if err := r.ClearCurrent("a1", "t1"); err != nil {
		t.Fatalf("repeated ClearCurrent = %v, want nil", err)
	}
}

func TestRegistryCurrentTaskIDs(t *testing.T) {
	r, _ := NewAgentRegistry(nil, nil)
	r.Register("a1", "one", "backend", nil)
	r.Register("a2", "two", "frontend", nil)
	r.Register("a3", "three", "docs", nil)
	r.SetCurrent("a1", "t1")
	r.SetCurrent("a3", "t9")

	ids := r.CurrentTaskIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t9" {
		t.Fatalf("CurrentTaskIDs = %v, want [t1 t9]", ids)
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	repo := persistence.NewAgentRepository(dir)

	r, err := NewAgentRegistry(repo, nil)
	if err != nil {
		t.Fatalf("NewAgentRegistry: %v", err)
	}
	r.Register("a1", "Worker One", "backend", []string{"go"})
	if err := r.SetCurrent("a1", "t1"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	r.RecordCompletion("a1")

	// A new registry over the same directory sees the profile but not the
	// capacity: that is rebuilt from the assignment store at startup.
	reloaded, err := NewAgentRegistry(persistence.NewAgentRepository(dir), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, ok := reloaded.Get("a1")
	if !ok {
		t.Fatal("agent not persisted")
	}
	if a.Name != "Worker One" || a.Role != "backend" {
		t.Fatalf("profile lost: %+v", a)
	}
	if a.CompletedTasksCount != 1 {
		t.Fatalf("completion counter = %d, want 1", a.CompletedTasksCount)
	}
	if !a.HasCapacity() {
		t.Fatal("capacity state trusted from disk instead of being reset")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r, _ := NewAgentRegistry(nil, nil)
	r.Register("b", "", "", nil)
	r.Register("a", "", "", nil)
	r.Register("c", "", "", nil)

	all := r.All()
	if len(all) != 3 || all[0].AgentID != "a" || all[2].AgentID != "c" {
		got := make([]string, len(all))
		for i, a := range all {
			got[i] = a.AgentID
		}
		t.Fatalf("All order = %v, want [a b c]", got)
	}
	if r.Count() != 3 {
		t.Fatalf("Count = %d, want 3", r.Count())
	}
}
