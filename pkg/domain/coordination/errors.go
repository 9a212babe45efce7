package coordination

import "errors"

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// CoordinationError is a typed sentinel error for the coordination context.
type CoordinationError string

func (e CoordinationError) Error() string { return string(e) }

const (
	// Preconditions
	ErrAgentNotRegistered  CoordinationError = "agent is not registered"
	ErrAgentAlreadyHasTask CoordinationError = "agent already has a task assigned"

	// State
	ErrTaskNotFound        CoordinationError = "task not found"
	ErrTaskNotAssigned     CoordinationError = "task is not assigned"
	ErrTaskAlreadyAssigned CoordinationError = "task is already assigned"

	// Filter denials — surfaced as "no task" reasons, never hard errors
	ErrDependencyUnmet   CoordinationError = "task has unmet dependencies"
	ErrPhaseBlocked      CoordinationError = "task is blocked by an earlier phase"
	ErrParentHasSubtasks CoordinationError = "parent task has subtasks and is not directly assignable"

	// External
	ErrKanbanUnavailable CoordinationError = "kanban provider unavailable"

	// Reclamation — reported by monitors, never returned to callers
	ErrLeaseExpired CoordinationError = "assignment lease expired"
)

// ErrorCode maps a coordination error to its wire code for tool responses.
// Unknown errors map to "internal_error".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAgentNotRegistered):
		return "agent_not_registered"
	case errors.Is(err, ErrAgentAlreadyHasTask):
		return "agent_already_has_task"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, ErrTaskNotAssigned):
		return "task_not_assigned"
	case errors.Is(err, ErrTaskAlreadyAssigned):
		return "task_already_assigned"
	case errors.Is(err, ErrDependencyUnmet):
		return "dependency_unmet"
	case errors.Is(err, ErrPhaseBlocked):
		return "phase_blocked"
	case errors.Is(err, ErrParentHasSubtasks):
		return "parent_has_subtasks"
	case errors.Is(err, ErrKanbanUnavailable):
		return "kanban_unavailable"
	case errors.Is(err, ErrLeaseExpired):
		return "lease_expired"
	}
	return "internal_error"
}
