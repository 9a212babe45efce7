package orchestration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
	"github.com/marcus-ai/marcus/pkg/integration/kanban"
)

// recorderBus captures published events for assertions.
type recorderBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recorderBus) Publish(e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recorderBus) Subscribe(domain.EventType, domain.EventHandler) {}
func (b *recorderBus) SubscribeAll(domain.EventHandler)               {}
func (b *recorderBus) Close()                                         {}

func (b *recorderBus) ofType(et domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.EventType() == et {
			out = append(out, e)
		}
	}
	return out
}

// failingAssignments wraps the real store with an injectable Save failure.
type failingAssignments struct {
	coordination.AssignmentRepository
	mu       sync.Mutex
	failSave error
}

func (f *failingAssignments) Save(a *coordination.Assignment) error {
	f.mu.Lock()
	err := f.failSave
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.AssignmentRepository.Save(a)
}

func (f *failingAssignments) failNextSaves(err error) {
	f.mu.Lock()
	f.failSave = err
	f.mu.Unlock()
}

type engineHarness struct {
	engine      *Engine
	board       *kanban.MemoryProvider
	store       *TaskStore
	leases      *LeaseManager
	registry    *AgentRegistry
	assignments *failingAssignments
	bus         *recorderBus
	clock       *testclock.Clock
	cfg         *config.Config
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	board := kanban.NewMemoryProvider()
	store := NewTaskStore(board)
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	bus := &recorderBus{}
	leases := NewLeaseManager(cfg.TaskLease, clk, bus)

	registry, err := NewAgentRegistry(nil, bus)
	if err != nil {
		t.Fatalf("NewAgentRegistry: %v", err)
	}
	real, err := persistence.NewAssignmentStore(filepath.Join(t.TempDir(), "assignments.json"))
	if err != nil {
		t.Fatalf("NewAssignmentStore: %v", err)
	}
	assignments := &failingAssignments{AssignmentRepository: real}

	engine := NewEngine(cfg, Deps{
		Store:       store,
		Leases:      leases,
		Registry:    registry,
		Kanban:      board,
		Assignments: assignments,
		Bus:         bus,
		Clock:       clk,
	})
	return &engineHarness{
		engine:      engine,
		board:       board,
		store:       store,
		leases:      leases,
		registry:    registry,
		assignments: assignments,
		bus:         bus,
		clock:       clk,
		cfg:         cfg,
	}
}

func (h *engineHarness) register(t *testing.T, agentID string, skills ...string) {
	t.Helper()
	if _, err := h.engine.RegisterAgent(agentID, "Agent "+agentID, "worker", skills); err != nil {
		t.Fatalf("RegisterAgent(%s): %v", agentID, err)
	}
}

func (h *engineHarness) request(t *testing.T, agentID string) *AssignmentResult {
	t.Helper()
	result, err := h.engine.RequestNextTask(context.Background(), agentID)
	if err != nil {
		t.Fatalf("RequestNextTask(%s): %v", agentID, err)
	}
	return result
}

func (h *engineHarness) report(t *testing.T, agentID, taskID, status string, progress int, message string) {
	t.Helper()
	err := h.engine.ReportProgress(context.Background(), ProgressReport{
		AgentID:  agentID,
		TaskID:   taskID,
		Status:   status,
		Progress: progress,
		Message:  message,
	})
	if err != nil {
		t.Fatalf("ReportProgress(%s, %s, %s): %v", agentID, taskID, status, err)
	}
}

func (h *engineHarness) boardTask(t *testing.T, id string) *coordination.Task {
	t.Helper()
	task, err := h.board.GetTaskByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTaskByID(%s): %v", id, err)
	}
	return task
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

func TestRequestNextTaskPicksBestMatch(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1", "python", "api")

	match := todoTask("t1", "python", "api")
	match.Priority = coordination.PriorityHigh
	match.EstimatedHours = 4
	urgent := todoTask("t2", "javascript")
	urgent.Priority = coordination.PriorityUrgent
	partial := todoTask("t3", "python")
	partial.Priority = coordination.PriorityMedium
	h.board.Seed(match, urgent, partial)

	result := h.request(t, "a1")
	if !result.Assigned() {
		t.Fatalf("no task assigned: %+v", result.NoTask)
	}
	if result.Task.ID != "t1" {
		t.Fatalf("assigned %s, want t1", result.Task.ID)
	}
	if !almost(result.Score, 0.92) || !almost(result.SkillMatch, 1.0) {
		t.Fatalf("score = %v match = %v, want 0.92 / 1.0", result.Score, result.SkillMatch)
	}
	if result.Instructions == "" || result.InstructionSource != "template" {
		t.Fatalf("instructions missing: source %q", result.InstructionSource)
	}

	// The assignment is visible everywhere at once.
	board := h.boardTask(t, "t1")
	if board.Status != coordination.StatusInProgress || board.AssignedTo != "a1" {
		t.Fatalf("board not updated: %+v", board)
	}
	if rec, _ := h.assignments.FindByAgent("a1"); rec == nil || rec.TaskID != "t1" {
		t.Fatalf("durable record = %+v, want t1", rec)
	}
	if _, ok := h.leases.Get("t1"); !ok {
		t.Fatal("no lease created")
	}
	agent, _ := h.registry.Get("a1")
	if current, ok := agent.CurrentTask(); !ok || current != "t1" {
		t.Fatalf("agent capacity = %+v, want t1", agent.CurrentTasks)
	}
	if n := len(h.bus.ofType(domain.EventTaskAssigned)); n != 1 {
		t.Fatalf("assigned events = %d, want 1", n)
	}
}

func TestRequestNextTaskWhileBusy(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"), todoTask("t2"))

	h.request(t, "a1")
	_, err := h.engine.RequestNextTask(context.Background(), "a1")
	if !errors.Is(err, coordination.ErrAgentAlreadyHasTask) {
		t.Fatalf("second request = %v, want ErrAgentAlreadyHasTask", err)
	}
}

func TestRequestNextTaskUnknownAgent(t *testing.T) {
	h := newEngineHarness(t)
	h.board.Seed(todoTask("t1"))

	_, err := h.engine.RequestNextTask(context.Background(), "ghost")
	if !errors.Is(err, coordination.ErrAgentNotRegistered) {
		t.Fatalf("error = %v, want ErrAgentNotRegistered", err)
	}
}

func TestRequestNextTaskHonorsDependencies(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")

	first := todoTask("t1")
	second := todoTask("t2")
	second.Dependencies = []string{"t1"}
	h.board.Seed(first, second)

	if got := h.request(t, "a1"); got.Task == nil || got.Task.ID != "t1" {
		t.Fatalf("first assignment = %+v, want t1", got.Task)
	}
	h.report(t, "a1", "t1", "done", 100, "finished")

	if got := h.request(t, "a1"); got.Task == nil || got.Task.ID != "t2" {
		t.Fatalf("second assignment = %+v, want t2", got.Task)
	}
}

func TestRequestNextTaskEmptyHanded(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.register(t, "a2")
	h.board.Seed(todoTask("t1"))

	h.request(t, "a1")
	result := h.request(t, "a2")

	if result.Assigned() {
		t.Fatalf("a2 got %s, want nothing", result.Task.ID)
	}
	if result.NoTask == nil || result.NoTask.Reason == "" {
		t.Fatal("no structured reason")
	}
	retry := result.NoTask.Retry
	if retry.Seconds < 30 || retry.Seconds > 3600 {
		t.Fatalf("retry hint %d outside [30, 3600]", retry.Seconds)
	}
	if retry.BlockingTaskID != "t1" {
		t.Fatalf("blocking task = %s, want t1", retry.BlockingTaskID)
	}
}

func TestRequestNextTaskConcurrentAgents(t *testing.T) {
	h := newEngineHarness(t)
	h.board.Seed(todoTask("t1"), todoTask("t2"), todoTask("t3"))

	const agents = 10
	for i := 0; i < agents; i++ {
		h.register(t, agentName(i))
	}

	results := make([]*AssignmentResult, agents)
	errs := make([]error, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.RequestNextTask(context.Background(), agentName(i))
		}(i)
	}
	wg.Wait()

	assigned := map[string]string{}
	denied := 0
	for i := 0; i < agents; i++ {
		if errs[i] != nil {
			t.Fatalf("agent %d: %v", i, errs[i])
		}
		if results[i].Assigned() {
			id := results[i].Task.ID
			if prev, dup := assigned[id]; dup {
				t.Fatalf("task %s assigned to both %s and %s", id, prev, agentName(i))
			}
			assigned[id] = agentName(i)
		} else {
			denied++
		}
	}
	if len(assigned) != 3 || denied != 7 {
		t.Fatalf("assigned %d denied %d, want 3 and 7", len(assigned), denied)
	}
	if h.assignments.AssignmentRepository.(*persistence.AssignmentStore).Count() != 3 {
		t.Fatal("durable set out of step with results")
	}
}

func agentName(i int) string { return "agent-" + string(rune('a'+i)) }

func TestRequestNextTaskRollsBackOnBoardFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))

	boom := errors.New("board down")
	h.board.FailWith(kanban.OpUpdateTask, boom)

	if _, err := h.engine.RequestNextTask(context.Background(), "a1"); err == nil {
		t.Fatal("request succeeded against a failing board")
	}

	// Nothing leaked: no record, no lease, capacity free, no reservation.
	if h.assignments.AssignmentRepository.(*persistence.AssignmentStore).Count() != 0 {
		t.Fatal("durable record left behind")
	}
	if _, ok := h.leases.Get("t1"); ok {
		t.Fatal("lease left behind")
	}
	if agent, _ := h.registry.Get("a1"); !agent.HasCapacity() {
		t.Fatal("agent capacity leaked")
	}

	h.board.FailWith(kanban.OpUpdateTask, nil)
	if got := h.request(t, "a1"); got.Task == nil || got.Task.ID != "t1" {
		t.Fatalf("retry after recovery = %+v, want t1", got.Task)
	}
}

func TestRequestNextTaskRollsBackOnPersistFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))

	h.assignments.failNextSaves(errors.New("disk full"))
	if _, err := h.engine.RequestNextTask(context.Background(), "a1"); err == nil {
		t.Fatal("request succeeded despite persist failure")
	}

	// The board write is undone and local state is clean.
	board := h.boardTask(t, "t1")
	if board.Status != coordination.StatusTodo || board.AssignedTo != "" {
		t.Fatalf("board not rolled back: %+v", board)
	}
	if agent, _ := h.registry.Get("a1"); !agent.HasCapacity() {
		t.Fatal("agent capacity leaked")
	}
	if _, ok := h.leases.Get("t1"); ok {
		t.Fatal("lease left behind")
	}

	h.assignments.failNextSaves(nil)
	if got := h.request(t, "a1"); got.Task == nil || got.Task.ID != "t1" {
		t.Fatalf("retry after recovery = %+v, want t1", got.Task)
	}
}

// ---------------------------------------------------------------------------
// Progress reporting
// ---------------------------------------------------------------------------

func TestReportProgressRenewsLease(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	h.report(t, "a1", "t1", "in_progress", 40, "halfway through the parser")

	lease, ok := h.leases.Get("t1")
	if !ok || lease.RenewalCount != 1 || lease.LastProgress != 40 {
		t.Fatalf("lease = %+v, want renewal 1 progress 40", lease)
	}
	task, _ := h.store.Get("t1")
	if task.Progress != 40 || task.Status != coordination.StatusInProgress {
		t.Fatalf("store task = %+v", task)
	}
	if n := len(h.bus.ofType(domain.EventTaskProgress)); n != 1 {
		t.Fatalf("progress events = %d, want 1", n)
	}
}

func TestReportBlockedKeepsAssignment(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	h.report(t, "a1", "t1", "blocked", 30, "waiting on credentials")

	if h.boardTask(t, "t1").Status != coordination.StatusBlocked {
		t.Fatal("board not marked blocked")
	}
	if rec, _ := h.assignments.FindByAgent("a1"); rec == nil || rec.TaskID != "t1" {
		t.Fatal("assignment released on blocked report")
	}
	if agent, _ := h.registry.Get("a1"); agent.HasCapacity() {
		t.Fatal("agent capacity released on blocked report")
	}
	if lease, ok := h.leases.Get("t1"); !ok || lease.RenewalCount != 1 {
		t.Fatal("blocked report did not keep the lease alive")
	}
}

func TestReportCompletedReleasesEverything(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	h.clock.Advance(30 * time.Minute)
	h.report(t, "a1", "t1", "completed", 100, "merged")

	board := h.boardTask(t, "t1")
	if board.Status != coordination.StatusDone || board.Progress != 100 {
		t.Fatalf("board = %+v, want done 100", board)
	}
	if h.assignments.AssignmentRepository.(*persistence.AssignmentStore).Count() != 0 {
		t.Fatal("durable record not removed")
	}
	if _, ok := h.leases.Get("t1"); ok {
		t.Fatal("lease not expired")
	}
	agent, _ := h.registry.Get("a1")
	if !agent.HasCapacity() {
		t.Fatal("agent capacity not released")
	}
	if agent.CompletedTasksCount != 1 {
		t.Fatalf("completion counter = %d, want 1", agent.CompletedTasksCount)
	}
	if n := len(h.bus.ofType(domain.EventTaskCompleted)); n != 1 {
		t.Fatalf("completed events = %d, want 1", n)
	}
}

func TestReportCompletedTwiceIsNoOp(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")
	h.report(t, "a1", "t1", "done", 100, "first")

	// The retried completion succeeds without re-running side effects.
	h.report(t, "a1", "t1", "done", 100, "retry")
	if n := len(h.bus.ofType(domain.EventTaskCompleted)); n != 1 {
		t.Fatalf("completed events = %d, want 1", n)
	}
}

func TestReportProgressGuards(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.register(t, "a2")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	err := h.engine.ReportProgress(context.Background(), ProgressReport{
		AgentID: "ghost", TaskID: "t1", Status: "in_progress",
	})
	if !errors.Is(err, coordination.ErrAgentNotRegistered) {
		t.Fatalf("unknown agent = %v, want ErrAgentNotRegistered", err)
	}

	err = h.engine.ReportProgress(context.Background(), ProgressReport{
		AgentID: "a2", TaskID: "t1", Status: "in_progress",
	})
	if !errors.Is(err, coordination.ErrTaskNotAssigned) {
		t.Fatalf("wrong agent = %v, want ErrTaskNotAssigned", err)
	}

	err = h.engine.ReportProgress(context.Background(), ProgressReport{
		AgentID: "a1", TaskID: "t1", Status: "pondering",
	})
	if err == nil {
		t.Fatal("unknown status accepted")
	}
}

// ---------------------------------------------------------------------------
// Subtasks and parent rollup
// ---------------------------------------------------------------------------

func TestSubtaskCompletionRollsUpParent(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("p1"))
	if err := h.engine.RefreshBoard(context.Background()); err != nil {
		t.Fatalf("RefreshBoard: %v", err)
	}
	err := h.store.MigrateSubtasks("p1", []*coordination.Task{
		todoTask("s1"), todoTask("s2"),
	})
	if err != nil {
		t.Fatalf("MigrateSubtasks: %v", err)
	}

	// Subtasks are preferred and the parent is never assignable.
	first := h.request(t, "a1")
	if first.Task == nil || first.Task.ID != "s1" {
		t.Fatalf("first assignment = %+v, want s1", first.Task)
	}
	h.report(t, "a1", "s1", "done", 100, "first half")

	if parent, _ := h.store.Get("p1"); parent.Status == coordination.StatusDone {
		t.Fatal("parent completed with a subtask still open")
	}

	second := h.request(t, "a1")
	if second.Task == nil || second.Task.ID != "s2" {
		t.Fatalf("second assignment = %+v, want s2", second.Task)
	}
	h.report(t, "a1", "s2", "done", 100, "second half")

	// The rollup reaches the board and the local snapshot together.
	board := h.boardTask(t, "p1")
	if board.Status != coordination.StatusDone || board.Progress != 100 {
		t.Fatalf("parent board state = %+v, want done", board)
	}
	local, _ := h.store.Get("p1")
	if local.Status != coordination.StatusDone {
		t.Fatalf("parent store state = %+v, want done", local)
	}
	if n := len(h.bus.ofType(domain.EventParentCompleted)); n != 1 {
		t.Fatalf("parent events = %d, want 1", n)
	}

	// Subtask progress reached the parent's row as comments.
	comments := h.board.Comments("p1")
	if len(comments) < 2 {
		t.Fatalf("parent comments = %v, want subtask completions mirrored", comments)
	}
}

func TestParentRollupRetriesAfterBoardFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("p1"))
	if err := h.engine.RefreshBoard(context.Background()); err != nil {
		t.Fatalf("RefreshBoard: %v", err)
	}
	if err := h.store.MigrateSubtasks("p1", []*coordination.Task{todoTask("s1")}); err != nil {
		t.Fatalf("MigrateSubtasks: %v", err)
	}
	h.request(t, "a1")

	// The board rejects exactly the rollup write.
	h.board.FailWith(kanban.OpUpdateTaskProgress, errors.New("board down"))
	h.report(t, "a1", "s1", "done", 100, "")
	h.board.FailWith(kanban.OpUpdateTaskProgress, nil)

	// The local snapshot was reverted so the monitor can retry.
	parent, _ := h.store.Get("p1")
	if parent.Status == coordination.StatusDone {
		t.Fatal("parent marked done locally despite failed board write")
	}

	monitor := NewAssignmentMonitor(h.engine, time.Minute)
	if err := monitor.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.boardTask(t, "p1").Status != coordination.StatusDone {
		t.Fatal("monitor did not retry the parent rollup")
	}
}

// ---------------------------------------------------------------------------
// Blockers
// ---------------------------------------------------------------------------

func TestReportBlockerReturnsSuggestions(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	suggestions, err := h.engine.ReportBlocker(context.Background(),
		"a1", "t1", "staging database is unreachable", domain.SeverityHigh)
	if err != nil {
		t.Fatalf("ReportBlocker: %v", err)
	}
	if len(suggestions) == 0 {
		t.Fatal("no suggestions returned")
	}

	if h.boardTask(t, "t1").Status != coordination.StatusBlocked {
		t.Fatal("board not marked blocked")
	}
	comments := h.board.Comments("t1")
	if len(comments) != 1 {
		t.Fatalf("comments = %v, want the blocker note", comments)
	}
	if rec, _ := h.assignments.FindByAgent("a1"); rec == nil {
		t.Fatal("assignment released by blocker report")
	}
}

func TestReportBlockerGuards(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	if err := h.engine.RefreshBoard(context.Background()); err != nil {
		t.Fatalf("RefreshBoard: %v", err)
	}

	if _, err := h.engine.ReportBlocker(context.Background(), "ghost", "t1", "x", domain.SeverityLow); !errors.Is(err, coordination.ErrAgentNotRegistered) {
		t.Fatalf("unknown agent = %v", err)
	}
	if _, err := h.engine.ReportBlocker(context.Background(), "a1", "ghost", "x", domain.SeverityLow); !errors.Is(err, coordination.ErrTaskNotFound) {
		t.Fatalf("unknown task = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Unassignment
// ---------------------------------------------------------------------------

func TestUnassignTask(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	if err := h.engine.UnassignTask(context.Background(), "t1", "", "operator request"); err != nil {
		t.Fatalf("UnassignTask: %v", err)
	}

	board := h.boardTask(t, "t1")
	if board.Status != coordination.StatusTodo || board.AssignedTo != "" || board.Progress != 0 {
		t.Fatalf("board = %+v, want clean todo", board)
	}
	if h.assignments.AssignmentRepository.(*persistence.AssignmentStore).Count() != 0 {
		t.Fatal("durable record kept")
	}
	if agent, _ := h.registry.Get("a1"); !agent.HasCapacity() {
		t.Fatal("capacity kept")
	}
	if _, ok := h.leases.Get("t1"); ok {
		t.Fatal("lease kept")
	}

	// Unassigning again is a structured error, not a crash or a side effect.
	err := h.engine.UnassignTask(context.Background(), "t1", "", "again")
	if !errors.Is(err, coordination.ErrTaskNotAssigned) {
		t.Fatalf("second unassign = %v, want ErrTaskNotAssigned", err)
	}
}

func TestUnassignTaskOwnerMismatch(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"))
	h.request(t, "a1")

	err := h.engine.UnassignTask(context.Background(), "t1", "a2", "wrong owner")
	if !errors.Is(err, coordination.ErrTaskNotAssigned) {
		t.Fatalf("mismatch = %v, want ErrTaskNotAssigned", err)
	}
	if rec, _ := h.assignments.FindByAgent("a1"); rec == nil {
		t.Fatal("mismatched unassign released the real assignment")
	}
}

// ---------------------------------------------------------------------------
// Startup reconciliation
// ---------------------------------------------------------------------------

func TestReconcileRebuildsFromDurableSet(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.register(t, "a2")
	h.register(t, "a3")

	live := todoTask("t1")
	live.Status = coordination.StatusInProgress
	live.AssignedTo = "a1"
	finished := doneTask("t3")
	h.board.Seed(live, finished)

	// Durable records as left behind by a previous process.
	for agentID, task := range map[string]*coordination.Task{
		"a1": live,
		"a2": todoTask("gone"), // task no longer on the board
		"a3": finished,
	} {
		if err := h.assignments.Save(coordination.NewAssignment(agentID, task)); err != nil {
			t.Fatalf("Save(%s): %v", agentID, err)
		}
	}

	if err := h.engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if rec, _ := h.assignments.FindByAgent("a1"); rec == nil || rec.TaskID != "t1" {
		t.Fatal("live assignment purged")
	}
	for _, agentID := range []string{"a2", "a3"} {
		if rec, _ := h.assignments.FindByAgent(agentID); rec != nil {
			t.Fatalf("stale record for %s kept: %+v", agentID, rec)
		}
	}

	agent, _ := h.registry.Get("a1")
	if current, ok := agent.CurrentTask(); !ok || current != "t1" {
		t.Fatal("capacity not rebuilt for live assignment")
	}
	if _, ok := h.leases.Get("t1"); !ok {
		t.Fatal("lease not recreated for live assignment")
	}
	if a2, _ := h.registry.Get("a2"); !a2.HasCapacity() {
		t.Fatal("a2 capacity bound to a purged record")
	}
}

// ---------------------------------------------------------------------------
// Observability
// ---------------------------------------------------------------------------

func TestEngineStatus(t *testing.T) {
	h := newEngineHarness(t)
	h.register(t, "a1")
	h.board.Seed(todoTask("t1"), todoTask("t2"))
	h.request(t, "a1")

	status := h.engine.Status()
	if status["registered_agents"] != 1 {
		t.Fatalf("registered_agents = %v", status["registered_agents"])
	}
	if status["active_assignments"] != 1 {
		t.Fatalf("active_assignments = %v", status["active_assignments"])
	}
	if status["active_leases"] != 1 {
		t.Fatalf("active_leases = %v", status["active_leases"])
	}
	if status["tasks_total"] != 2 || status["tasks_in_progress"] != 1 {
		t.Fatalf("task counts = %v", status)
	}
}
