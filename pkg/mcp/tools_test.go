package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/clock"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
	"github.com/marcus-ai/marcus/pkg/orchestration"
)

func TestAgentWorkflowOverWire(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build payment API", coordination.PriorityHigh, "python", "api"))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	body := call(t, url, "register_agent", map[string]interface{}{
		"agent_id": "agent-1",
		"name":     "Agent One",
		"role":     "backend developer",
		"skills":   []interface{}{"python", "api"},
	})
	if body["success"] != true {
		t.Fatalf("register_agent: %v", body)
	}
	if body["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v, want agent-1", body["agent_id"])
	}

	body = call(t, url, "request_next_task", map[string]interface{}{
		"agent_id": "agent-1",
	})
	if body["success"] != true {
		t.Fatalf("request_next_task: %v", body)
	}
	task, ok := body["task"].(map[string]interface{})
	if !ok {
		t.Fatalf("no task in %v", body)
	}
	if task["id"] != "t1" {
		t.Errorf("task.id = %v, want t1", task["id"])
	}
	if task["priority"] != "high" {
		t.Errorf("task.priority = %v, want high", task["priority"])
	}
	if instructions, _ := task["instructions"].(string); instructions == "" {
		t.Error("task.instructions is empty")
	}
	if task["instruction_source"] != "template" {
		t.Errorf("instruction_source = %v, want template", task["instruction_source"])
	}

	body = call(t, url, "report_task_progress", map[string]interface{}{
		"agent_id": "agent-1",
		"task_id":  "t1",
		"status":   "in_progress",
		"progress": 50,
		"message":  "endpoints scaffolded",
	})
	if body["success"] != true {
		t.Fatalf("report_task_progress: %v", body)
	}

	body = call(t, url, "report_task_progress", map[string]interface{}{
		"agent_id": "agent-1",
		"task_id":  "t1",
		"status":   "completed",
		"progress": 100,
		"message":  "done",
	})
	if body["success"] != true {
		t.Fatalf("report completed: %v", body)
	}

	boardTask, err := f.board.GetTaskByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if boardTask.Status != coordination.StatusDone {
		t.Errorf("board status = %s, want done", boardTask.Status)
	}

	// Nothing left on the board: the next request backs the agent off.
	body = call(t, url, "request_next_task", map[string]interface{}{
		"agent_id": "agent-1",
	})
	if body["success"] != false {
		t.Fatalf("expected no-task response, got %v", body)
	}
	seconds, ok := body["retry_after_seconds"].(float64)
	if !ok || seconds < 30 || seconds > 3600 {
		t.Errorf("retry_after_seconds = %v, want within [30, 3600]", body["retry_after_seconds"])
	}
	if reason, _ := body["retry_reason"].(string); reason == "" {
		t.Error("retry_reason is empty")
	}
}

func TestRequestNextTaskNamesBlockingTask(t *testing.T) {
	blocked := &coordination.Task{
		ID:           "t2",
		Name:         "Integrate payments",
		Status:       coordination.StatusTodo,
		Priority:     coordination.PriorityHigh,
		Dependencies: []string{"t1"},
	}
	inFlight := &coordination.Task{
		ID:       "t1",
		Name:     "Build payment API",
		Status:   coordination.StatusInProgress,
		Priority: coordination.PriorityHigh,
	}
	f := newFixture(t, inFlight, blocked)
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})
	body := call(t, url, "request_next_task", map[string]interface{}{"agent_id": "agent-1"})

	if body["success"] != false {
		t.Fatalf("expected no-task response, got %v", body)
	}
	blocking, ok := body["blocking_task"].(map[string]interface{})
	if !ok {
		t.Fatalf("no blocking_task in %v", body)
	}
	if blocking["id"] != "t1" {
		t.Errorf("blocking_task.id = %v, want t1", blocking["id"])
	}
	if blocking["name"] != "Build payment API" {
		t.Errorf("blocking_task.name = %v", blocking["name"])
	}
}

func TestRequestNextTaskUnregisteredAgent(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Task", coordination.PriorityMedium))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	result := callTool(t, url, "request_next_task", map[string]interface{}{
		"agent_id": "ghost",
	})
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatal("isError = false for unregistered agent")
	}
	body := toolBody(t, result)
	if body["code"] != "agent_not_registered" {
		t.Errorf("code = %v, want agent_not_registered", body["code"])
	}
}

func TestReportBlockerOverWire(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})
	call(t, url, "request_next_task", map[string]interface{}{"agent_id": "agent-1"})

	body := call(t, url, "report_blocker", map[string]interface{}{
		"agent_id":    "agent-1",
		"task_id":     "t1",
		"description": "waiting for an API key",
		"severity":    "high",
	})
	if body["success"] != true {
		t.Fatalf("report_blocker: %v", body)
	}
	suggestions, ok := body["suggestions"].([]interface{})
	if !ok || len(suggestions) == 0 {
		t.Errorf("suggestions = %v, want at least one", body["suggestions"])
	}

	boardTask, err := f.board.GetTaskByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if boardTask.Status != coordination.StatusBlocked {
		t.Errorf("board status = %s, want blocked", boardTask.Status)
	}
}

func TestReportBlockerRejectsUnknownSeverity(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})

	result := callTool(t, url, "report_blocker", map[string]interface{}{
		"agent_id":    "agent-1",
		"task_id":     "t1",
		"description": "stuck",
		"severity":    "catastrophic",
	})
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatal("isError = false for invalid severity")
	}
	body := toolBody(t, result)
	if body["code"] != "invalid_params" {
		t.Errorf("code = %v, want invalid_params", body["code"])
	}
}

func TestReportProgressValidation(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})
	call(t, url, "request_next_task", map[string]interface{}{"agent_id": "agent-1"})

	tests := []struct {
		name string
		args map[string]interface{}
		code string
	}{
		{
			name: "progress out of range",
			args: map[string]interface{}{
				"agent_id": "agent-1", "task_id": "t1",
				"status": "in_progress", "progress": 150,
			},
			code: "invalid_params",
		},
		{
			name: "missing task id",
			args: map[string]interface{}{
				"agent_id": "agent-1", "status": "in_progress",
			},
			code: "invalid_params",
		},
		{
			name: "unknown status",
			args: map[string]interface{}{
				"agent_id": "agent-1", "task_id": "t1",
				"status": "pondering", "progress": 10,
			},
			code: "internal_error",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := callTool(t, url, "report_task_progress", tc.args)
			if isErr, _ := result["isError"].(bool); !isErr {
				t.Fatal("isError = false")
			}
			body := toolBody(t, result)
			if body["code"] != tc.code {
				t.Errorf("code = %v, want %s", body["code"], tc.code)
			}
		})
	}
}

func TestLogDecisionAndTaskContext(t *testing.T) {
	f := newMemoryFixture(t, todoTask("t1", "Build auth", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})
	call(t, url, "request_next_task", map[string]interface{}{"agent_id": "agent-1"})

	body := call(t, url, "log_decision", map[string]interface{}{
		"agent_id": "agent-1",
		"task_id":  "t1",
		"decision": "I chose JWT because sessions must survive restarts. This affects all API tasks.",
	})
	if body["success"] != true {
		t.Fatalf("log_decision: %v", body)
	}
	if id, _ := body["decision_id"].(float64); id <= 0 {
		t.Errorf("decision_id = %v, want > 0", body["decision_id"])
	}

	body = call(t, url, "get_task_context", map[string]interface{}{"task_id": "t1"})
	if body["success"] != true {
		t.Fatalf("get_task_context: %v", body)
	}
	taskContext, ok := body["context"].(map[string]interface{})
	if !ok {
		t.Fatalf("no context in %v", body)
	}
	decisions, _ := taskContext["decisions"].([]interface{})
	if len(decisions) != 1 {
		t.Fatalf("decisions = %v, want exactly one", taskContext["decisions"])
	}
	first, _ := decisions[0].(map[string]interface{})
	if text, _ := first["decision"].(string); !strings.Contains(text, "JWT") {
		t.Errorf("decision text = %q", text)
	}
}

func TestLogDecisionWithoutMemoryStore(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build auth", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))

	call(t, url, "register_agent", map[string]interface{}{"agent_id": "agent-1"})
	call(t, url, "request_next_task", map[string]interface{}{"agent_id": "agent-1"})

	result := callTool(t, url, "log_decision", map[string]interface{}{
		"agent_id": "agent-1",
		"task_id":  "t1",
		"decision": "chose X",
	})
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatal("isError = false without a memory store")
	}
}

func TestLogArtifactWritesInsideProjectRoot(t *testing.T) {
	f := newMemoryFixture(t, todoTask("t1", "Document API", coordination.PriorityMedium))
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))
	root := t.TempDir()

	body := call(t, url, "log_artifact", map[string]interface{}{
		"task_id":       "t1",
		"filename":      "payments.md",
		"content":       "# Payments API\n",
		"artifact_type": "api",
		"project_root":  root,
	})
	if body["success"] != true {
		t.Fatalf("log_artifact: %v", body)
	}
	wantPath := filepath.Join(root, "docs", "api", "payments.md")
	if body["path"] != wantPath {
		t.Errorf("path = %v, want %s", body["path"], wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "# Payments API\n" {
		t.Errorf("artifact content = %q", data)
	}
}

func TestLogArtifactRejectsEscapes(t *testing.T) {
	f := newFixture(t)
	url := serveEndpoint(t, NewServer("agent", "", AgentToolset(f.deps)))
	root := t.TempDir()

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{
			name: "relative project root",
			args: map[string]interface{}{
				"task_id": "t1", "filename": "x.md", "content": "x",
				"artifact_type": "api", "project_root": "relative/path",
			},
		},
		{
			name: "location escapes root",
			args: map[string]interface{}{
				"task_id": "t1", "filename": "x.md", "content": "x",
				"artifact_type": "api", "project_root": root,
				"location": "../outside",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := callTool(t, url, "log_artifact", tc.args)
			if isErr, _ := result["isError"].(bool); !isErr {
				t.Fatal("isError = false for an escaping write")
			}
			body := toolBody(t, result)
			if body["success"] != false {
				t.Errorf("success = %v, want false", body["success"])
			}
		})
	}
}

func TestHumanToolsOverWire(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("human", "", HumanToolset(f.deps)))
	ctx := context.Background()

	if _, err := f.engine.RegisterAgent("agent-1", "Agent One", "worker", []string{"go"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	result, err := f.engine.RequestNextTask(ctx, "agent-1")
	if err != nil || !result.Assigned() {
		t.Fatalf("RequestNextTask: %v (assigned=%v)", err, result != nil && result.Assigned())
	}

	body := call(t, url, "get_project_status", nil)
	if body["success"] != true {
		t.Fatalf("get_project_status: %v", body)
	}
	status, _ := body["status"].(map[string]interface{})
	if got, _ := status["tasks_total"].(float64); got != 1 {
		t.Errorf("tasks_total = %v, want 1", status["tasks_total"])
	}
	if got, _ := status["registered_agents"].(float64); got != 1 {
		t.Errorf("registered_agents = %v, want 1", status["registered_agents"])
	}
	if got, _ := status["active_assignments"].(float64); got != 1 {
		t.Errorf("active_assignments = %v, want 1", status["active_assignments"])
	}

	body = call(t, url, "list_agents", nil)
	if got, _ := body["count"].(float64); got != 1 {
		t.Fatalf("list_agents count = %v, want 1", body["count"])
	}
	agents, _ := body["agents"].([]interface{})
	firstAgent, _ := agents[0].(map[string]interface{})
	if firstAgent["agent_id"] != "agent-1" {
		t.Errorf("agents[0].agent_id = %v", firstAgent["agent_id"])
	}

	body = call(t, url, "get_agent_status", map[string]interface{}{"agent_id": "agent-1"})
	current, ok := body["current_task"].(map[string]interface{})
	if !ok {
		t.Fatalf("no current_task in %v", body)
	}
	if current["id"] != "t1" {
		t.Errorf("current_task.id = %v, want t1", current["id"])
	}

	body = call(t, url, "unassign_task", map[string]interface{}{
		"task_id": "t1",
		"reason":  "agent went quiet",
	})
	if body["success"] != true {
		t.Fatalf("unassign_task: %v", body)
	}
	boardTask, err := f.board.GetTaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if boardTask.Status != coordination.StatusTodo {
		t.Errorf("board status = %s, want todo after unassign", boardTask.Status)
	}

	body = call(t, url, "get_agent_status", map[string]interface{}{"agent_id": "agent-1"})
	if _, ok := body["current_task"]; ok {
		t.Error("current_task still present after unassign")
	}

	// Releasing an unheld task is a state error with a taxonomy code.
	result2 := callTool(t, url, "unassign_task", map[string]interface{}{"task_id": "t1"})
	if isErr, _ := result2["isError"].(bool); !isErr {
		t.Fatal("isError = false for double unassign")
	}
	if body := toolBody(t, result2); body["code"] != "task_not_assigned" {
		t.Errorf("code = %v, want task_not_assigned", body["code"])
	}
}

func TestRefreshBoardOverWire(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	url := serveEndpoint(t, NewServer("human", "", HumanToolset(f.deps)))

	body := call(t, url, "refresh_board", nil)
	if body["success"] != true {
		t.Fatalf("refresh_board: %v", body)
	}
	if got, _ := body["tasks_total"].(float64); got != 1 {
		t.Errorf("tasks_total = %v, want 1", body["tasks_total"])
	}

	// A task added behind the engine's back shows up after the next refresh.
	f.board.Seed(todoTask("t2", "Another", coordination.PriorityLow))
	body = call(t, url, "refresh_board", nil)
	if got, _ := body["tasks_total"].(float64); got != 2 {
		t.Errorf("tasks_total = %v, want 2 after reseed", body["tasks_total"])
	}
}

func TestAnalyticsToolsOverWire(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	ctx := context.Background()

	cfg := config.DefaultConfig()
	f.deps.Health = orchestration.NewHealthScanner(f.engine, cfg.Monitor.HealthCron, clock.WallClock, nil)

	trail, err := persistence.NewAuditTrail(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewAuditTrail: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	f.deps.Audit = trail

	url := serveEndpoint(t, NewServer("analytics", "", AnalyticsToolset(f.deps)))

	if _, err := f.engine.RegisterAgent("agent-1", "Agent One", "worker", nil); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := f.engine.RequestNextTask(ctx, "agent-1"); err != nil {
		t.Fatalf("RequestNextTask: %v", err)
	}

	body := call(t, url, "get_lease_statistics", nil)
	if body["success"] != true {
		t.Fatalf("get_lease_statistics: %v", body)
	}
	stats, _ := body["statistics"].(map[string]interface{})
	if got, _ := stats["active"].(float64); got != 1 {
		t.Errorf("statistics.active = %v, want 1", stats["active"])
	}

	body = call(t, url, "get_assignment_snapshot", nil)
	if got, _ := body["count"].(float64); got != 1 {
		t.Fatalf("assignment count = %v, want 1", body["count"])
	}
	assignments, _ := body["assignments"].([]interface{})
	firstAssignment, _ := assignments[0].(map[string]interface{})
	if firstAssignment["task_id"] != "t1" {
		t.Errorf("assignments[0].task_id = %v, want t1", firstAssignment["task_id"])
	}
	if firstAssignment["agent_id"] != "agent-1" {
		t.Errorf("assignments[0].agent_id = %v, want agent-1", firstAssignment["agent_id"])
	}

	body = call(t, url, "get_board_health", nil)
	if body["success"] != true {
		t.Fatalf("get_board_health: %v", body)
	}
	health, _ := body["health"].(map[string]interface{})
	if got, _ := health["total_tasks"].(float64); got != 1 {
		t.Errorf("health.total_tasks = %v, want 1", health["total_tasks"])
	}
	if gridlocked, _ := health["gridlocked"].(bool); gridlocked {
		t.Error("gridlocked = true for a healthy board")
	}

	for _, eventType := range []domain.EventType{
		domain.EventTaskAssigned, domain.EventTaskProgress, domain.EventTaskCompleted,
	} {
		if err := trail.Append(events.New(string(eventType), "t1", nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	body = call(t, url, "get_recent_events", map[string]interface{}{"limit": 2})
	if got, _ := body["count"].(float64); got != 2 {
		t.Fatalf("events count = %v, want 2", body["count"])
	}
	recent, _ := body["events"].([]interface{})
	last, _ := recent[len(recent)-1].(map[string]interface{})
	if last["type"] != string(domain.EventTaskCompleted) {
		t.Errorf("last event type = %v, want %s", last["type"], domain.EventTaskCompleted)
	}
}

func TestPingOnEveryEndpoint(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		endpoint string
		tools    []Tool
	}{
		{"agent", AgentToolset(f.deps)},
		{"human", HumanToolset(f.deps)},
		{"analytics", AnalyticsToolset(f.deps)},
	} {
		t.Run(tc.endpoint, func(t *testing.T) {
			url := serveEndpoint(t, NewServer(tc.endpoint, "", tc.tools))
			body := call(t, url, "ping", nil)
			if body["success"] != true || body["status"] != "ok" {
				t.Errorf("ping = %v", body)
			}
		})
	}
}
