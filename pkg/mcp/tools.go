package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-ai/marcus/pkg/artifacts"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/infrastructure/persistence"
	"github.com/marcus-ai/marcus/pkg/logger"
	"github.com/marcus-ai/marcus/pkg/memory"
	"github.com/marcus-ai/marcus/pkg/orchestration"
)

// Deps is the service surface the toolsets bind to. Memory, Health, and
// Audit are optional; a tool whose backing service is absent fails with a
// structured error instead of panicking.
type Deps struct {
	Engine *orchestration.Engine
	Memory *memory.Store
	Health *orchestration.HealthScanner
	Audit  *persistence.AuditTrail
}

// AgentToolset is the core working surface coding agents call.
func AgentToolset(d Deps) []Tool {
	return []Tool{
		{
			Name:        "register_agent",
			Description: "Register this agent with the coordinator. Safe to call again after a restart; the profile is updated in place and any active assignment survives.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id": stringProp("Stable unique identifier for this agent"),
				"name":     stringProp("Human-readable agent name"),
				"role":     stringProp("Role, e.g. 'backend developer' or 'qa engineer'"),
				"skills": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Skill tags used for task matching, e.g. ['python', 'api']",
				},
			}, "agent_id"),
			Handler: d.registerAgent,
		},
		{
			Name:        "request_next_task",
			Description: "Ask for the best assignable task. Returns either a task with instructions, or success=false with retry_after_seconds when nothing is assignable right now.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id": stringProp("Identifier used at registration"),
			}, "agent_id"),
			Handler: d.requestNextTask,
		},
		{
			Name:        "report_task_progress",
			Description: "Report progress on the assigned task. status 'in_progress' renews the lease, 'blocked' pauses it, 'completed' releases the task and may auto-complete a parent.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id": stringProp("Identifier used at registration"),
				"task_id":  stringProp("Task being worked"),
				"status": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"in_progress", "completed", "blocked"},
					"description": "Lifecycle status of the work",
				},
				"progress": map[string]interface{}{
					"type":        "integer",
					"description": "Completion percentage 0..100",
				},
				"message": stringProp("Short note about the current state"),
			}, "agent_id", "task_id", "status"),
			Handler: d.reportTaskProgress,
		},
		{
			Name:        "report_blocker",
			Description: "Report an impediment on the assigned task. The task is marked blocked, the assignment is kept, and resolution suggestions come back.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id":    stringProp("Identifier used at registration"),
				"task_id":     stringProp("Blocked task"),
				"description": stringProp("What is blocking progress"),
				"severity": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"low", "medium", "high"},
					"description": "Impact of the blocker (default medium)",
				},
			}, "agent_id", "task_id", "description"),
			Handler: d.reportBlocker,
		},
		{
			Name:        "get_task_context",
			Description: "Fetch recorded knowledge for a task: prior implementations, logged decisions, artifacts, dependent tasks, and parent context for subtasks.",
			InputSchema: objectSchema(map[string]interface{}{
				"task_id":      stringProp("Task to look up"),
				"project_root": stringProp("Optional absolute project root, reserved for artifact resolution"),
			}, "task_id"),
			Handler: d.getTaskContext,
		},
		{
			Name:        "log_decision",
			Description: "Record an architectural decision made while working a task so dependent tasks inherit it.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id": stringProp("Identifier used at registration"),
				"task_id":  stringProp("Task the decision belongs to"),
				"decision": stringProp("The decision, ideally as 'I chose X because Y. This affects Z.'"),
			}, "agent_id", "task_id", "decision"),
			Handler: d.logDecision,
		},
		{
			Name:        "log_artifact",
			Description: "Store a produced document under the project root. The artifact type picks the directory (api -> docs/api, design -> docs/design, specification -> docs/specs) unless location overrides it.",
			InputSchema: objectSchema(map[string]interface{}{
				"task_id":  stringProp("Task the artifact belongs to"),
				"filename": stringProp("File name, e.g. 'payment-api.md'"),
				"content":  stringProp("Full file content"),
				"artifact_type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"api", "design", "documentation", "specification"},
					"description": "Kind of artifact, selects the target directory",
				},
				"project_root": stringProp("Absolute path of the project; writes never escape it"),
				"description":  stringProp("Optional one-line description"),
				"location":     stringProp("Optional directory override relative to project_root"),
			}, "task_id", "filename", "content", "artifact_type", "project_root"),
			Handler: d.logArtifact,
		},
		pingTool(),
	}
}

// HumanToolset is the operator surface.
func HumanToolset(d Deps) []Tool {
	return []Tool{
		{
			Name:        "get_project_status",
			Description: "Snapshot of the whole system: task counts by status, registered agents, active assignments and leases.",
			InputSchema: objectSchema(nil),
			Handler:     d.getProjectStatus,
		},
		{
			Name:        "list_agents",
			Description: "List every registered agent with role, skills, and current assignment.",
			InputSchema: objectSchema(nil),
			Handler:     d.listAgents,
		},
		{
			Name:        "get_agent_status",
			Description: "Detail for one agent including the task it is working on.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id": stringProp("Agent to inspect"),
			}, "agent_id"),
			Handler: d.getAgentStatus,
		},
		{
			Name:        "unassign_task",
			Description: "Force-release a task back to the todo column. Use when an agent is gone or an assignment was a mistake.",
			InputSchema: objectSchema(map[string]interface{}{
				"task_id":  stringProp("Task to release"),
				"agent_id": stringProp("Expected holder; omit to release from whoever holds it"),
				"reason":   stringProp("Why the task is being released"),
			}, "task_id"),
			Handler: d.unassignTask,
		},
		{
			Name:        "refresh_board",
			Description: "Re-read the kanban board immediately instead of waiting for the next assignment cycle.",
			InputSchema: objectSchema(nil),
			Handler:     d.refreshBoard,
		},
		pingTool(),
	}
}

// AnalyticsToolset is the read-only dashboard surface.
func AnalyticsToolset(d Deps) []Tool {
	return []Tool{
		{
			Name:        "get_lease_statistics",
			Description: "Lease population summary: active, expired, stuck, renewal totals, and the oldest active lease.",
			InputSchema: objectSchema(nil),
			Handler:     d.getLeaseStatistics,
		},
		{
			Name:        "get_board_health",
			Description: "Run a health scan: dependency cycles, gridlock, stuck leases, and tasks referencing missing dependencies.",
			InputSchema: objectSchema(nil),
			Handler:     d.getBoardHealth,
		},
		{
			Name:        "get_assignment_snapshot",
			Description: "Current durable assignment set: who holds which task since when.",
			InputSchema: objectSchema(nil),
			Handler:     d.getAssignmentSnapshot,
		},
		{
			Name:        "get_recent_events",
			Description: "Tail of the coordination event stream, newest last.",
			InputSchema: objectSchema(map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum events to return (default 50)",
					"default":     50,
				},
			}),
			Handler: d.getRecentEvents,
		},
		pingTool(),
	}
}

func pingTool() Tool {
	return Tool{
		Name:        "ping",
		Description: "Liveness check.",
		InputSchema: objectSchema(nil),
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"success":   true,
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// Agent handlers
// ---------------------------------------------------------------------------

func (d Deps) registerAgent(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	name, err := stringArg(args, "name", false)
	if err != nil {
		return nil, err
	}
	role, err := stringArg(args, "role", false)
	if err != nil {
		return nil, err
	}
	skills, err := stringSliceArg(args, "skills")
	if err != nil {
		return nil, err
	}

	agent, err := d.Engine.RegisterAgent(agentID, name, role, skills)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":  true,
		"agent_id": agent.AgentID,
		"name":     agent.Name,
		"role":     agent.Role,
		"skills":   agent.Skills,
	}, nil
}

func (d Deps) requestNextTask(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}

	result, err := d.Engine.RequestNextTask(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if !result.Assigned() {
		// Not an error: the caller backs off and retries.
		body := map[string]interface{}{
			"success":             false,
			"retry_after_seconds": result.NoTask.Retry.Seconds,
			"retry_reason":        result.NoTask.Reason,
		}
		if result.NoTask.Retry.BlockingTaskID != "" {
			body["blocking_task"] = map[string]interface{}{
				"id":   result.NoTask.Retry.BlockingTaskID,
				"name": result.NoTask.Retry.BlockingTaskName,
			}
		}
		return body, nil
	}

	task := result.Task
	return map[string]interface{}{
		"success": true,
		"task": map[string]interface{}{
			"id":                 task.ID,
			"name":               task.Name,
			"description":        task.Description,
			"priority":           task.Priority.String(),
			"estimated_hours":    task.EstimatedHours,
			"dependencies":       task.Dependencies,
			"is_subtask":         task.IsSubtask,
			"parent_task_id":     task.ParentTaskID,
			"instructions":       result.Instructions,
			"instruction_source": result.InstructionSource,
		},
		"score":       result.Score,
		"skill_match": result.SkillMatch,
	}, nil
}

func (d Deps) reportTaskProgress(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	status, err := stringArg(args, "status", true)
	if err != nil {
		return nil, err
	}
	progress, err := intArg(args, "progress", 0)
	if err != nil {
		return nil, err
	}
	if progress < 0 || progress > 100 {
		return nil, &ArgError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	message, err := stringArg(args, "message", false)
	if err != nil {
		return nil, err
	}

	report := orchestration.ProgressReport{
		AgentID:  agentID,
		TaskID:   taskID,
		Status:   status,
		Progress: progress,
		Message:  message,
	}
	if err := d.Engine.ReportProgress(ctx, report); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func (d Deps) reportBlocker(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	description, err := stringArg(args, "description", true)
	if err != nil {
		return nil, err
	}
	sevStr, err := stringArg(args, "severity", false)
	if err != nil {
		return nil, err
	}
	severity := domain.SeverityMedium
	if sevStr != "" {
		severity = domain.BlockerSeverity(sevStr)
		if !severity.Valid() {
			return nil, &ArgError{Field: "severity", Reason: "must be low, medium, or high"}
		}
	}

	suggestions, err := d.Engine.ReportBlocker(ctx, agentID, taskID, description, severity)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"suggestions": suggestions,
	}, nil
}

func (d Deps) getTaskContext(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	if _, err := stringArg(args, "project_root", false); err != nil {
		return nil, err
	}

	taskContext, err := d.Engine.TaskContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"context": taskContext,
	}, nil
}

func (d Deps) logDecision(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	decision, err := stringArg(args, "decision", true)
	if err != nil {
		return nil, err
	}
	if d.Memory == nil {
		return nil, fmt.Errorf("decision log unavailable: memory store is not configured")
	}
	if _, ok := d.Engine.Task(taskID); !ok {
		return nil, fmt.Errorf("log decision: task %s: %w", taskID, coordination.ErrTaskNotFound)
	}

	id, err := d.Memory.RecordDecision(ctx, taskID, agentID, decision)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"decision_id": id,
	}, nil
}

func (d Deps) logArtifact(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	filename, err := stringArg(args, "filename", true)
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content", true)
	if err != nil {
		return nil, err
	}
	artifactType, err := stringArg(args, "artifact_type", true)
	if err != nil {
		return nil, err
	}
	projectRoot, err := stringArg(args, "project_root", true)
	if err != nil {
		return nil, err
	}
	description, err := stringArg(args, "description", false)
	if err != nil {
		return nil, err
	}
	location, err := stringArg(args, "location", false)
	if err != nil {
		return nil, err
	}

	path, err := artifacts.Write(artifacts.Request{
		ProjectRoot: projectRoot,
		Filename:    filename,
		Content:     content,
		Type:        artifactType,
		Location:    location,
	})
	if err != nil {
		return nil, err
	}

	// The file is on disk; a failed memory record must not retract it.
	if d.Memory != nil {
		if _, err := d.Memory.RecordArtifact(ctx, taskID, memory.Artifact{
			TaskID:      taskID,
			Filename:    filename,
			Path:        path,
			Type:        artifactType,
			Description: description,
		}); err != nil {
			logger.WarnCF("mcp", "Artifact written but not recorded", map[string]interface{}{
				"task_id": taskID,
				"path":    path,
				"error":   err.Error(),
			})
		}
	}

	return map[string]interface{}{
		"success": true,
		"path":    path,
	}, nil
}

// ---------------------------------------------------------------------------
// Human handlers
// ---------------------------------------------------------------------------

func (d Deps) getProjectStatus(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"success": true,
		"status":  d.Engine.Status(),
	}, nil
}

func (d Deps) listAgents(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agents := d.Engine.Agents()
	out := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentSummary(a))
	}
	return map[string]interface{}{
		"success": true,
		"agents":  out,
		"count":   len(out),
	}, nil
}

func (d Deps) getAgentStatus(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	agentID, err := stringArg(args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	agent, ok := d.Engine.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, coordination.ErrAgentNotRegistered)
	}

	body := map[string]interface{}{
		"success": true,
		"agent":   agentSummary(agent),
	}
	if len(agent.CurrentTasks) > 0 {
		if task, ok := d.Engine.Task(agent.CurrentTasks[0]); ok {
			body["current_task"] = map[string]interface{}{
				"id":       task.ID,
				"name":     task.Name,
				"status":   task.Status.String(),
				"progress": task.Progress,
			}
		}
	}
	return body, nil
}

func (d Deps) unassignTask(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	taskID, err := stringArg(args, "task_id", true)
	if err != nil {
		return nil, err
	}
	agentID, err := stringArg(args, "agent_id", false)
	if err != nil {
		return nil, err
	}
	reason, err := stringArg(args, "reason", false)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "released by operator"
	}

	if err := d.Engine.UnassignTask(ctx, taskID, agentID, reason); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"task_id": taskID,
	}, nil
}

func (d Deps) refreshBoard(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	if err := d.Engine.RefreshBoard(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"tasks_total": len(d.Engine.Board()),
	}, nil
}

// ---------------------------------------------------------------------------
// Analytics handlers
// ---------------------------------------------------------------------------

func (d Deps) getLeaseStatistics(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"success":    true,
		"statistics": d.Engine.LeaseStatistics(),
	}, nil
}

func (d Deps) getBoardHealth(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	if d.Health == nil {
		return nil, fmt.Errorf("board health unavailable: scanner is not configured")
	}
	return map[string]interface{}{
		"success": true,
		"health":  d.Health.Scan(ctx),
	}, nil
}

func (d Deps) getAssignmentSnapshot(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	assignments, err := d.Engine.Assignments()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"assignments": assignments,
		"count":       len(assignments),
	}, nil
}

func (d Deps) getRecentEvents(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	limit, err := intArg(args, "limit", 50)
	if err != nil {
		return nil, err
	}
	if d.Audit == nil {
		return nil, fmt.Errorf("event history unavailable: audit trail is not configured")
	}
	recent := d.Audit.Recent(limit)
	return map[string]interface{}{
		"success": true,
		"events":  recent,
		"count":   len(recent),
	}, nil
}

// ---------------------------------------------------------------------------
// Schema and body helpers
// ---------------------------------------------------------------------------

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if len(props) > 0 {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func agentSummary(a *coordination.Agent) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":              a.AgentID,
		"name":                  a.Name,
		"role":                  a.Role,
		"skills":                a.Skills,
		"current_tasks":         a.CurrentTasks,
		"completed_tasks_count": a.CompletedTasksCount,
	}
}
