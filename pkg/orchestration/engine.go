package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/intelligence"
	"github.com/marcus-ai/marcus/pkg/integration/kanban"
	"github.com/marcus-ai/marcus/pkg/logger"
	"github.com/marcus-ai/marcus/pkg/memory"
)

// ---------------------------------------------------------------------------
// Assignment engine — the scheduler core
// ---------------------------------------------------------------------------

// Deps wires the engine's collaborators. Memory and Bus may be nil;
// a nil Intelligence is replaced with a template-only engine so
// instructions are always produced.
type Deps struct {
	Store        *TaskStore
	Leases       *LeaseManager
	Registry     *AgentRegistry
	Kanban       kanban.Provider
	Assignments  coordination.AssignmentRepository
	Memory       *memory.Store
	Intelligence *intelligence.Engine
	Bus          domain.EventBus
	Clock        clock.Clock
}

// Engine decides which task each agent works on next and keeps the board,
// the durable assignment set, the lease manager, and the agent registry
// consistent through every transition.
type Engine struct {
	cfg         *config.Config
	store       *TaskStore
	leases      *LeaseManager
	registry    *AgentRegistry
	kanban      kanban.Provider
	assignments coordination.AssignmentRepository
	memory      *memory.Store
	ai          *intelligence.Engine
	bus         domain.EventBus
	clock       clock.Clock

	// assignMu serializes the decision section of RequestNextTask and the
	// release section of UnassignTask. It is never held across board I/O;
	// the reservation set covers the window between decision and commit.
	assignMu sync.Mutex
	reserved set.Strings

	statsMu        sync.Mutex
	completedHours []float64

	started time.Time
}

// NewEngine assembles the scheduler.
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	ai := deps.Intelligence
	if ai == nil {
		ai = intelligence.NewEngine(cfg.AI, nil)
	}
	return &Engine{
		cfg:         cfg,
		store:       deps.Store,
		leases:      deps.Leases,
		registry:    deps.Registry,
		kanban:      deps.Kanban,
		assignments: deps.Assignments,
		memory:      deps.Memory,
		ai:          ai,
		bus:         deps.Bus,
		clock:       clk,
		reserved:    set.NewStrings(),
		started:     clk.Now(),
	}
}

// AssignmentResult is the outcome of RequestNextTask: either a task with
// working instructions, or a structured "no task" with a retry hint.
type AssignmentResult struct {
	Task              *coordination.Task `json:"task,omitempty"`
	Score             float64            `json:"score,omitempty"`
	SkillMatch        float64            `json:"skill_match,omitempty"`
	Instructions      string             `json:"instructions,omitempty"`
	InstructionSource string             `json:"instruction_source,omitempty"`

	NoTask *NoTaskResult `json:"no_task,omitempty"`
}

// Assigned reports whether a task was handed out.
func (r *AssignmentResult) Assigned() bool { return r.Task != nil }

// NoTaskResult explains an empty-handed response.
type NoTaskResult struct {
	Reason string    `json:"reason"`
	Retry  RetryHint `json:"retry"`
}

// RegisterAgent registers or re-registers an agent.
func (e *Engine) RegisterAgent(agentID, name, role string, skills []string) (*coordination.Agent, error) {
	return e.registry.Register(agentID, name, role, skills)
}

// RequestNextTask finds and commits the best assignable task for the
// agent. Either the assignment becomes visible in the board, the durable
// set, and the lease manager together, or no state changes at all.
func (e *Engine) RequestNextTask(ctx context.Context, agentID string) (*AssignmentResult, error) {
	if err := e.store.Refresh(ctx); err != nil {
		return nil, err
	}

	if _, ok := e.registry.Get(agentID); !ok {
		return nil, fmt.Errorf("request next task: %w", coordination.ErrAgentNotRegistered)
	}

	// The decision section: pure computation over snapshots, serialized
	// so two agents can never pick the same task. Board I/O happens
	// outside; the reservation keeps the pick invisible to other agents
	// until commit or rollback.
	e.assignMu.Lock()
	agent, ok := e.registry.Get(agentID)
	if !ok {
		e.assignMu.Unlock()
		return nil, fmt.Errorf("request next task: %w", coordination.ErrAgentNotRegistered)
	}
	if current, busy := agent.CurrentTask(); busy {
		e.assignMu.Unlock()
		return nil, fmt.Errorf("request next task: agent %s is working on %s: %w",
			agentID, current, coordination.ErrAgentAlreadyHasTask)
	}

	snapshot := e.store.All()
	outcome := FilterAssignable(FilterInput{
		Tasks:               snapshot,
		AssignedIDs:         e.assignedIDsLocked(),
		HasSubtasks:         e.store.HasSubtasks,
		CompletionThreshold: e.cfg.ProjectSuccess.CompletionThreshold,
	})
	winner := SelectBest(outcome.Candidates, agent, e.cfg.Scoring)
	if winner == nil {
		result := e.noTaskResult(outcome, snapshot)
		e.assignMu.Unlock()
		logger.DebugCF("engine", "No task available", map[string]interface{}{
			"agent_id":    agentID,
			"reason":      result.NoTask.Reason,
			"retry_after": result.NoTask.Retry.Seconds,
		})
		return result, nil
	}
	e.reserved.Add(winner.Task.ID)
	e.assignMu.Unlock()

	// Commit to the board first. Local state follows only once the board
	// has accepted the assignment.
	if err := e.boardAssign(ctx, winner.Task, agentID); err != nil {
		e.unreserve(winner.Task.ID)
		return nil, fmt.Errorf("assign %s to %s: %w", winner.Task.ID, agentID, err)
	}

	if err := e.commitAssignment(agentID, winner.Task); err != nil {
		e.releaseBoard(ctx, winner.Task.ID)
		e.unreserve(winner.Task.ID)
		return nil, err
	}
	e.unreserve(winner.Task.ID)

	assigned, _ := e.store.Get(winner.Task.ID)
	instructions, source := e.buildInstructions(ctx, assigned, agent)

	logger.InfoCF("engine", "Task assigned", map[string]interface{}{
		"task_id":  winner.Task.ID,
		"agent_id": agentID,
		"priority": string(winner.Task.Priority),
		"score":    winner.Score,
	})
	e.publish(domain.EventTaskAssigned, winner.Task.ID, events.AssignmentEventData{
		TaskID:   winner.Task.ID,
		TaskName: winner.Task.Name,
		AgentID:  agentID,
		Priority: string(winner.Task.Priority),
		Score:    winner.Score,
	})

	return &AssignmentResult{
		Task:              assigned,
		Score:             winner.Score,
		SkillMatch:        winner.SkillMatch,
		Instructions:      instructions,
		InstructionSource: source,
	}, nil
}

// assignedIDsLocked unions the three assignment views: the durable set,
// in-memory agent capacity, and in-flight reservations. Callers hold
// assignMu.
func (e *Engine) assignedIDsLocked() set.Strings {
	ids := set.NewStrings(e.registry.CurrentTaskIDs()...)
	if persisted, err := e.assignments.AssignedTaskIDs(); err == nil {
		for _, id := range persisted {
			ids.Add(id)
		}
	}
	return ids.Union(e.reserved)
}

func (e *Engine) noTaskResult(outcome *FilterOutcome, snapshot []*coordination.Task) *AssignmentResult {
	assignedAt := make(map[string]time.Time)
	if all, err := e.assignments.All(); err == nil {
		for _, a := range all {
			assignedAt[a.TaskID] = a.AssignedAt.Time
		}
	}
	hint := ComputeRetryAfter(e.cfg.RetryAfter, e.clock.Now(), snapshot, assignedAt, e.completionHistory())
	return &AssignmentResult{NoTask: &NoTaskResult{Reason: outcome.Reason(), Retry: hint}}
}

// commitAssignment records the assignment locally after the board write.
// The capacity check in SetCurrent is the last line of defense against a
// concurrent request for the same agent.
func (e *Engine) commitAssignment(agentID string, task *coordination.Task) error {
	if err := e.registry.SetCurrent(agentID, task.ID); err != nil {
		return fmt.Errorf("bind task %s: %w", task.ID, err)
	}
	if err := e.assignments.Save(coordination.NewAssignment(agentID, task)); err != nil {
		if clearErr := e.registry.ClearCurrent(agentID, task.ID); clearErr != nil {
			logger.ErrorCF("engine", "Rollback of agent capacity failed", map[string]interface{}{
				"agent_id": agentID,
				"task_id":  task.ID,
				"error":    clearErr.Error(),
			})
		}
		return fmt.Errorf("persist assignment: %w", err)
	}

	e.leases.Create(task.ID, agentID, task)
	e.store.Mutate(task.ID, func(t *coordination.Task) {
		t.Status = coordination.StatusInProgress
		t.AssignedTo = agentID
	})
	return nil
}

// releaseBoard undoes a board assignment after a local commit failure.
// It must run even when the request context is already cancelled.
func (e *Engine) releaseBoard(ctx context.Context, taskID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.boardRelease(cleanupCtx, taskID); err != nil {
		logger.ErrorCF("engine", "Board rollback failed, reconciliation will retry", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

// ---------------------------------------------------------------------------
// Board writes — subtask-aware
// ---------------------------------------------------------------------------

// The board is the source of truth for top-level tasks only. Locally
// decomposed subtasks have no board row, so writes against them are
// store-only and their progress reaches the board as comments on the
// parent's row.

func (e *Engine) boardAssign(ctx context.Context, task *coordination.Task, agentID string) error {
	if e.store.IsLocal(task.ID) {
		return nil
	}
	return e.kanban.UpdateTask(ctx, task.ID, kanban.Assign(agentID))
}

func (e *Engine) boardRelease(ctx context.Context, taskID string) error {
	if e.store.IsLocal(taskID) {
		return nil
	}
	return e.kanban.UpdateTask(ctx, taskID, kanban.Release())
}

func (e *Engine) boardProgress(ctx context.Context, task *coordination.Task, info kanban.ProgressInfo) error {
	if !e.store.IsLocal(task.ID) {
		return e.kanban.UpdateTaskProgress(ctx, task.ID, info)
	}
	if task.ParentTaskID == "" {
		return nil
	}
	comment := fmt.Sprintf("[%s] subtask %s: %s %d%%", info.AgentID, task.ID, info.Status, info.Progress)
	if info.Message != "" {
		comment += " - " + info.Message
	}
	if err := e.kanban.AddComment(ctx, task.ParentTaskID, comment); err != nil {
		logger.WarnCF("engine", "Failed to mirror subtask progress to parent", map[string]interface{}{
			"task_id":   task.ID,
			"parent_id": task.ParentTaskID,
			"error":     err.Error(),
		})
	}
	return nil
}

func (e *Engine) unreserve(taskID string) {
	e.assignMu.Lock()
	e.reserved.Remove(taskID)
	e.assignMu.Unlock()
}

// buildInstructions assembles task context and asks the AI engine for
// working instructions. Failures degrade to the built-in template; an
// assignment never fails because instructions could not be generated.
func (e *Engine) buildInstructions(ctx context.Context, task *coordination.Task, agent *coordination.Agent) (string, string) {
	var (
		tc       *memory.TaskContext
		warnings []memory.Blocker
	)
	if e.memory != nil {
		var err error
		tc, err = e.memory.BuildContext(ctx, task, e.store.All())
		if err != nil {
			logger.WarnCF("engine", "Task context unavailable", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
			tc = nil
		}
		if len(task.Dependencies) > 0 {
			warnings, err = e.memory.BlockersForTasks(ctx, task.Dependencies)
			if err != nil {
				warnings = nil
			}
		}
	}
	if tc == nil {
		tc = &memory.TaskContext{TaskID: task.ID, IsSubtask: task.IsSubtask}
	}
	return e.ai.GenerateTaskInstructions(ctx, task, agent, tc, warnings)
}

// ---------------------------------------------------------------------------
// Progress reporting
// ---------------------------------------------------------------------------

// ProgressReport is one agent status update.
type ProgressReport struct {
	AgentID  string
	TaskID   string
	Status   string
	Progress int
	Message  string
}

// NormalizeReportStatus maps tool-surface status strings onto the task
// lifecycle.
func NormalizeReportStatus(s string) (coordination.TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_progress", "working", "progress":
		return coordination.StatusInProgress, nil
	case "blocked":
		return coordination.StatusBlocked, nil
	case "completed", "complete", "done":
		return coordination.StatusDone, nil
	}
	return "", fmt.Errorf("unknown progress status %q", s)
}

// ReportProgress applies one status update from an agent: a renewal for
// ongoing work, a blocked marker that keeps the assignment, or a
// completion that releases everything and may roll up a parent task.
// Re-reporting a completed task is a no-op so retried calls stay safe.
func (e *Engine) ReportProgress(ctx context.Context, report ProgressReport) error {
	status, err := NormalizeReportStatus(report.Status)
	if err != nil {
		return err
	}
	if _, ok := e.registry.Get(report.AgentID); !ok {
		return fmt.Errorf("report progress: %w", coordination.ErrAgentNotRegistered)
	}

	assignment, err := e.assignments.FindByAgent(report.AgentID)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	if assignment == nil || assignment.TaskID != report.TaskID {
		// Completed twice: the first report already released everything.
		if status == coordination.StatusDone {
			if task, ok := e.store.Get(report.TaskID); ok && task.Status == coordination.StatusDone {
				return nil
			}
		}
		return fmt.Errorf("report progress: task %s: %w", report.TaskID, coordination.ErrTaskNotAssigned)
	}

	switch status {
	case coordination.StatusInProgress:
		return e.reportWorking(ctx, report)
	case coordination.StatusBlocked:
		return e.reportBlocked(ctx, report)
	default:
		return e.reportCompleted(ctx, report, assignment)
	}
}

func (e *Engine) reportWorking(ctx context.Context, report ProgressReport) error {
	task, ok := e.store.Get(report.TaskID)
	if !ok {
		task = &coordination.Task{ID: report.TaskID}
	}
	err := e.boardProgress(ctx, task, kanban.ProgressInfo{
		Status:   coordination.StatusInProgress,
		Progress: report.Progress,
		Message:  report.Message,
		AgentID:  report.AgentID,
	})
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}

	e.leases.Renew(report.TaskID, report.Progress, report.Message)
	e.store.Mutate(report.TaskID, func(t *coordination.Task) {
		t.Status = coordination.StatusInProgress
		t.Progress = report.Progress
	})

	e.publish(domain.EventTaskProgress, report.TaskID, events.AssignmentEventData{
		TaskID:   report.TaskID,
		AgentID:  report.AgentID,
		Progress: report.Progress,
		Status:   string(coordination.StatusInProgress),
		Message:  report.Message,
	})
	return nil
}

// reportBlocked marks the task blocked on the board but keeps the
// assignment: the agent stays responsible until an operator or the lease
// monitor decides otherwise.
func (e *Engine) reportBlocked(ctx context.Context, report ProgressReport) error {
	task, ok := e.store.Get(report.TaskID)
	if !ok {
		task = &coordination.Task{ID: report.TaskID}
	}
	err := e.boardProgress(ctx, task, kanban.ProgressInfo{
		Status:   coordination.StatusBlocked,
		Progress: report.Progress,
		Message:  report.Message,
		AgentID:  report.AgentID,
	})
	if err != nil {
		return fmt.Errorf("report blocked: %w", err)
	}

	e.leases.Renew(report.TaskID, report.Progress, report.Message)
	e.store.Mutate(report.TaskID, func(t *coordination.Task) {
		t.Status = coordination.StatusBlocked
		t.Progress = report.Progress
	})

	if e.memory != nil && report.Message != "" {
		if _, err := e.memory.RecordBlocker(ctx, report.TaskID, report.AgentID, report.Message, string(domain.SeverityMedium), ""); err != nil {
			logger.WarnCF("engine", "Failed to record blocker", map[string]interface{}{
				"task_id": report.TaskID,
				"error":   err.Error(),
			})
		}
	}

	e.publish(domain.EventTaskBlocked, report.TaskID, events.BlockerEventData{
		TaskID:      report.TaskID,
		AgentID:     report.AgentID,
		Severity:    string(domain.SeverityMedium),
		Description: report.Message,
	})
	return nil
}

func (e *Engine) reportCompleted(ctx context.Context, report ProgressReport, assignment *coordination.Assignment) error {
	task, ok := e.store.Get(report.TaskID)
	if !ok {
		task = &coordination.Task{ID: report.TaskID}
	}
	err := e.boardProgress(ctx, task, kanban.ProgressInfo{
		Status:   coordination.StatusDone,
		Progress: 100,
		Message:  report.Message,
		AgentID:  report.AgentID,
	})
	if err != nil {
		return fmt.Errorf("report completion: %w", err)
	}

	e.recordCompletionHours(e.clock.Now().Sub(assignment.AssignedAt.Time).Hours())
	if e.memory != nil && report.Message != "" {
		if _, err := e.memory.RecordImplementation(ctx, report.TaskID, report.AgentID, report.Message); err != nil {
			logger.WarnCF("engine", "Failed to record implementation", map[string]interface{}{
				"task_id": report.TaskID,
				"error":   err.Error(),
			})
		}
	}

	e.leases.Expire(report.TaskID)
	if err := e.assignments.Remove(report.AgentID); err != nil {
		logger.WarnCF("engine", "Failed to remove assignment record", map[string]interface{}{
			"agent_id": report.AgentID,
			"error":    err.Error(),
		})
	}
	if err := e.registry.ClearCurrent(report.AgentID, report.TaskID); err != nil {
		logger.WarnCF("engine", "Failed to clear agent capacity", map[string]interface{}{
			"agent_id": report.AgentID,
			"error":    err.Error(),
		})
	}
	e.registry.RecordCompletion(report.AgentID)

	e.store.Mutate(report.TaskID, func(t *coordination.Task) {
		t.Status = coordination.StatusDone
		t.Progress = 100
		t.AssignedTo = ""
	})

	logger.InfoCF("engine", "Task completed", map[string]interface{}{
		"task_id":  report.TaskID,
		"agent_id": report.AgentID,
	})
	e.publish(domain.EventTaskCompleted, report.TaskID, events.AssignmentEventData{
		TaskID:  report.TaskID,
		AgentID: report.AgentID,
		Status:  string(coordination.StatusDone),
		Message: report.Message,
	})

	if task, ok := e.store.Get(report.TaskID); ok && task.IsSubtask && task.ParentTaskID != "" {
		e.completeParentIfDone(ctx, task.ParentTaskID)
	}
	return nil
}

// completeParentIfDone rolls a parent up to DONE once its last subtask
// finishes. The local snapshot is committed first under the assignment
// lock so concurrent sibling completions cannot both claim the rollup;
// if the board write then fails the snapshot is reverted and the
// assignment monitor retries the rollup on its next pass.
func (e *Engine) completeParentIfDone(ctx context.Context, parentID string) {
	e.assignMu.Lock()
	parent, ok := e.store.Get(parentID)
	children := e.store.Children(parentID)
	shouldComplete := ok && parent.Status != coordination.StatusDone && len(children) > 0
	if shouldComplete {
		for _, c := range children {
			if c.Status != coordination.StatusDone {
				shouldComplete = false
				break
			}
		}
	}
	var prevStatus coordination.TaskStatus
	var prevProgress int
	if shouldComplete {
		prevStatus, prevProgress = parent.Status, parent.Progress
		e.store.Mutate(parentID, func(t *coordination.Task) {
			t.Status = coordination.StatusDone
			t.Progress = 100
		})
	}
	e.assignMu.Unlock()
	if !shouldComplete {
		return
	}

	err := e.boardProgress(ctx, parent, kanban.ProgressInfo{
		Status:   coordination.StatusDone,
		Progress: 100,
		Message:  fmt.Sprintf("All %d subtasks complete", len(children)),
		AgentID:  "marcus",
	})
	if err != nil {
		e.store.Mutate(parentID, func(t *coordination.Task) {
			t.Status = prevStatus
			t.Progress = prevProgress
		})
		logger.ErrorCF("engine", "Parent rollup failed, monitor will retry", map[string]interface{}{
			"parent_id": parentID,
			"error":     err.Error(),
		})
		return
	}

	if e.memory != nil {
		ids := make([]string, 0, len(children))
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		if err := e.memory.PromoteSubtaskRecords(ctx, parentID, ids); err != nil {
			logger.WarnCF("engine", "Failed to promote subtask records", map[string]interface{}{
				"parent_id": parentID,
				"error":     err.Error(),
			})
		}
	}

	logger.InfoCF("engine", "Parent task auto-completed", map[string]interface{}{
		"parent_id": parentID,
		"subtasks":  len(children),
	})
	e.publish(domain.EventParentCompleted, parentID, events.AssignmentEventData{
		TaskID: parentID,
		Status: string(coordination.StatusDone),
	})
}

// ---------------------------------------------------------------------------
// Blockers
// ---------------------------------------------------------------------------

// ReportBlocker records an obstruction and returns resolution suggestions.
// Downstream failures (board comment, memory write) never fail the call;
// a blocked agent asking for help must always get an answer.
func (e *Engine) ReportBlocker(ctx context.Context, agentID, taskID, description string, severity domain.BlockerSeverity) ([]string, error) {
	if _, ok := e.registry.Get(agentID); !ok {
		return nil, fmt.Errorf("report blocker: %w", coordination.ErrAgentNotRegistered)
	}
	task, ok := e.store.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("report blocker: task %s: %w", taskID, coordination.ErrTaskNotFound)
	}

	suggestions := e.ai.SuggestBlockerResolutions(ctx, task, description, severity)

	commentTarget := taskID
	if e.store.IsLocal(taskID) {
		e.store.Mutate(taskID, func(t *coordination.Task) {
			t.Status = coordination.StatusBlocked
		})
		commentTarget = task.ParentTaskID
	} else {
		blocked := coordination.StatusBlocked
		if err := e.kanban.UpdateTask(ctx, taskID, kanban.TaskUpdate{Status: &blocked}); err != nil {
			logger.WarnCF("engine", "Failed to mark task blocked on board", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		} else {
			e.store.Mutate(taskID, func(t *coordination.Task) {
				t.Status = coordination.StatusBlocked
			})
		}
	}
	if commentTarget != "" {
		if err := e.kanban.AddComment(ctx, commentTarget, blockerComment(agentID, description, severity, suggestions)); err != nil {
			logger.WarnCF("engine", "Failed to comment blocker on board", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}

	if e.memory != nil {
		if _, err := e.memory.RecordBlocker(ctx, taskID, agentID, description, string(severity), ""); err != nil {
			logger.WarnCF("engine", "Failed to record blocker", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoCF("engine", "Blocker reported", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"severity": string(severity),
	})
	e.publish(domain.EventTaskBlocked, taskID, events.BlockerEventData{
		TaskID:      taskID,
		AgentID:     agentID,
		Severity:    string(severity),
		Description: description,
	})
	return suggestions, nil
}

func blockerComment(agentID, description string, severity domain.BlockerSeverity, suggestions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BLOCKED (%s) by %s: %s\n", severity, agentID, description)
	if len(suggestions) > 0 {
		b.WriteString("\nSuggested resolutions:\n")
		for i, s := range suggestions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Unassignment
// ---------------------------------------------------------------------------

// UnassignTask returns a task to the pool: the durable record, agent
// capacity, reservation, and lease are cleared together, then the board
// is reset to TODO. An empty agentID unassigns whoever holds the task;
// unassigning an unheld task fails with a structured "not assigned" so
// repeated calls are safe.
func (e *Engine) UnassignTask(ctx context.Context, taskID, agentID, reason string) error {
	assignment, err := e.assignments.FindByTask(taskID)
	if err != nil {
		return fmt.Errorf("unassign %s: %w", taskID, err)
	}
	if assignment == nil {
		return fmt.Errorf("unassign %s: %w", taskID, coordination.ErrTaskNotAssigned)
	}
	if agentID != "" && assignment.AgentID != agentID {
		return fmt.Errorf("unassign %s: held by %s not %s: %w",
			taskID, assignment.AgentID, agentID, coordination.ErrTaskNotAssigned)
	}
	owner := assignment.AgentID

	e.assignMu.Lock()
	e.reserved.Remove(taskID)
	if err := e.assignments.Remove(owner); err != nil {
		e.assignMu.Unlock()
		return fmt.Errorf("unassign %s: %w", taskID, err)
	}
	if err := e.registry.ClearCurrent(owner, taskID); err != nil {
		logger.WarnCF("engine", "Failed to clear agent capacity", map[string]interface{}{
			"agent_id": owner,
			"error":    err.Error(),
		})
	}
	e.leases.Expire(taskID)
	e.assignMu.Unlock()

	if err := e.boardRelease(ctx, taskID); err != nil {
		// Local state is already released; the assignment monitor resets
		// the board on its next reconciliation pass.
		logger.WarnCF("engine", "Board release failed, reconciliation will retry", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return fmt.Errorf("unassign %s: %w", taskID, err)
	}
	e.store.Mutate(taskID, func(t *coordination.Task) {
		t.Status = coordination.StatusTodo
		t.AssignedTo = ""
		t.Progress = 0
	})

	logger.InfoCF("engine", "Task unassigned", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": owner,
		"reason":   reason,
	})
	e.publish(domain.EventTaskUnassigned, taskID, events.AssignmentEventData{
		TaskID:  taskID,
		AgentID: owner,
		Reason:  reason,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Startup reconciliation
// ---------------------------------------------------------------------------

// Reconcile restores a consistent state after a restart. The durable
// assignment set is authoritative: records whose task is done or gone are
// purged, live records get their in-memory capacity and a fresh lease
// rebuilt. In-progress board tasks without a durable record are only
// reported — the assignment monitor resets them, nothing is silently
// reassigned.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.store.Refresh(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	assignments, err := e.assignments.All()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	live := set.NewStrings()
	for _, a := range assignments {
		task, ok := e.store.Get(a.TaskID)
		switch {
		case !ok:
			logger.WarnCF("engine", "Purging assignment for missing task", map[string]interface{}{
				"task_id":  a.TaskID,
				"agent_id": a.AgentID,
			})
			if err := e.assignments.Remove(a.AgentID); err != nil {
				return fmt.Errorf("reconcile: purge %s: %w", a.AgentID, err)
			}
		case task.Status == coordination.StatusDone:
			logger.InfoCF("engine", "Purging assignment for completed task", map[string]interface{}{
				"task_id":  a.TaskID,
				"agent_id": a.AgentID,
			})
			if err := e.assignments.Remove(a.AgentID); err != nil {
				return fmt.Errorf("reconcile: purge %s: %w", a.AgentID, err)
			}
		default:
			live.Add(a.TaskID)
			if err := e.registry.SetCurrent(a.AgentID, a.TaskID); err != nil {
				logger.WarnCF("engine", "Could not rebind assignment to agent", map[string]interface{}{
					"task_id":  a.TaskID,
					"agent_id": a.AgentID,
					"error":    err.Error(),
				})
				continue
			}
			e.leases.Create(a.TaskID, a.AgentID, task)
		}
	}

	for _, t := range e.store.All() {
		if t.Status == coordination.StatusInProgress && !live.Contains(t.ID) {
			logger.WarnCF("engine", "In-progress task has no assignment record", map[string]interface{}{
				"task_id":     t.ID,
				"assigned_to": t.AssignedTo,
			})
		}
	}

	logger.InfoCF("engine", "Reconciliation complete", map[string]interface{}{
		"assignments": live.Size(),
		"agents":      e.registry.Count(),
	})
	return nil
}

// ---------------------------------------------------------------------------
// Read-side accessors
// ---------------------------------------------------------------------------

// RefreshBoard re-imports the board on demand.
func (e *Engine) RefreshBoard(ctx context.Context) error {
	if err := e.store.Refresh(ctx); err != nil {
		return err
	}
	e.publish(domain.EventBoardRefreshed, "board", nil)
	return nil
}

// Board returns the current task snapshot.
func (e *Engine) Board() []*coordination.Task { return e.store.All() }

// Task returns one task from the snapshot.
func (e *Engine) Task(id string) (*coordination.Task, bool) { return e.store.Get(id) }

// Agents returns every registered agent.
func (e *Engine) Agents() []*coordination.Agent { return e.registry.All() }

// Agent returns one registered agent.
func (e *Engine) Agent(id string) (*coordination.Agent, bool) { return e.registry.Get(id) }

// Assignments returns the durable assignment set.
func (e *Engine) Assignments() ([]*coordination.Assignment, error) { return e.assignments.All() }

// LeaseStatistics summarizes the lease population.
func (e *Engine) LeaseStatistics() LeaseStatistics { return e.leases.Statistics() }

// TaskContext assembles the recorded knowledge for a task.
func (e *Engine) TaskContext(ctx context.Context, taskID string) (*memory.TaskContext, error) {
	task, ok := e.store.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task context: %s: %w", taskID, coordination.ErrTaskNotFound)
	}
	if e.memory == nil {
		return &memory.TaskContext{TaskID: taskID, IsSubtask: task.IsSubtask}, nil
	}
	return e.memory.BuildContext(ctx, task, e.store.All())
}

// Status returns an observability snapshot.
func (e *Engine) Status() map[string]interface{} {
	total, todo, inProgress, done, blocked := e.store.Counts()
	stats := e.leases.Statistics()

	activeAssignments := 0
	if all, err := e.assignments.All(); err == nil {
		activeAssignments = len(all)
	}

	return map[string]interface{}{
		"uptime_seconds":     int64(e.clock.Now().Sub(e.started).Seconds()),
		"registered_agents":  e.registry.Count(),
		"active_assignments": activeAssignments,
		"active_leases":      stats.Active,
		"stuck_leases":       len(stats.Stuck),
		"tasks_total":        total,
		"tasks_todo":         todo,
		"tasks_in_progress":  inProgress,
		"tasks_done":         done,
		"tasks_blocked":      blocked,
	}
}

func (e *Engine) recordCompletionHours(hours float64) {
	if hours < 0 {
		return
	}
	e.statsMu.Lock()
	e.completedHours = append(e.completedHours, hours)
	e.statsMu.Unlock()
}

func (e *Engine) completionHistory() []float64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return append([]float64(nil), e.completedHours...)
}

func (e *Engine) publish(eventType domain.EventType, aggregateID string, data interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(domain.NewEvent(eventType, domain.EntityID(aggregateID), data))
}
