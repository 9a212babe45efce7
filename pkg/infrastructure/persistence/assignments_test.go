package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

func newTestStore(t *testing.T) (*AssignmentStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assignments.json")
	s, err := NewAssignmentStore(path)
	if err != nil {
		t.Fatalf("NewAssignmentStore: %v", err)
	}
	return s, path
}

func testAssignment(agentID, taskID string) *coordination.Assignment {
	return coordination.NewAssignment(agentID, &coordination.Task{
		ID:             taskID,
		Name:           "task " + taskID,
		Priority:       coordination.PriorityHigh,
		EstimatedHours: 2.5,
	})
}

func TestSaveAndReload(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Save(testAssignment("agent-1", "T1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(testAssignment("agent-2", "T2")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh store over the same file sees both records.
	reloaded, err := NewAssignmentStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, err := reloaded.FindByAgent("agent-1")
	if err != nil || a == nil {
		t.Fatalf("FindByAgent after reload = %v, %v", a, err)
	}
	if a.TaskID != "T1" || a.Priority != coordination.PriorityHigh || a.EstimatedHours != 2.5 {
		t.Errorf("reloaded record mangled: %+v", a)
	}
	if reloaded.Count() != 2 {
		t.Errorf("Count = %d, want 2", reloaded.Count())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save(testAssignment("agent-1", "T1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("agent-1"); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := s.Remove("agent-1"); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
	if a, _ := s.FindByAgent("agent-1"); a != nil {
		t.Errorf("record still present after Remove: %+v", a)
	}
}

func TestFindByTask(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Save(testAssignment("agent-1", "T1")); err != nil {
		t.Fatal(err)
	}

	a, err := s.FindByTask("T1")
	if err != nil || a == nil || a.AgentID != "agent-1" {
		t.Fatalf("FindByTask = %+v, %v", a, err)
	}
	if a, _ := s.FindByTask("T9"); a != nil {
		t.Errorf("FindByTask for absent task = %+v, want nil", a)
	}
}

func TestAssignedTaskIDs(t *testing.T) {
	s, _ := newTestStore(t)
	s.Save(testAssignment("agent-1", "T1"))
	s.Save(testAssignment("agent-2", "T2"))

	ids, err := s.AssignedTaskIDs()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if !got["T1"] || !got["T2"] || len(ids) != 2 {
		t.Errorf("AssignedTaskIDs = %v", ids)
	}
}

func TestSnapshotsDoNotAliasStore(t *testing.T) {
	s, _ := newTestStore(t)
	s.Save(testAssignment("agent-1", "T1"))

	a, _ := s.FindByAgent("agent-1")
	a.TaskID = "mutated"

	again, _ := s.FindByAgent("agent-1")
	if again.TaskID != "T1" {
		t.Error("FindByAgent returned a pointer into the store")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s, path := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Save(testAssignment("agent-1", "T1")); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".write-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestCorruptFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewAssignmentStore(path); err == nil {
		t.Fatal("corrupt assignment file must fail open, not silently reset")
	}
}
