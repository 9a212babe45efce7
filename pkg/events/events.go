// Package events defines the typed event contracts for the whole server.
// Every event flowing through the WebSocket stream, the audit trail, or
// the notifier MUST use one of these types. No ad-hoc
// map[string]interface{} events.
package events

import (
	"time"

	"github.com/marcus-ai/marcus/pkg/domain"
)

// --- Event Envelope ---

// Event is the universal envelope for all externally visible events.
type Event struct {
	// Type identifies the event (e.g., "coordination.task.assigned")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data,omitempty"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// FromDomain converts a domain event into the wire envelope. The aggregate
// id becomes the source so stream consumers can correlate.
func FromDomain(e domain.Event) Event {
	return Event{
		Type:      string(e.EventType()),
		Source:    e.AggregateID().String(),
		Timestamp: e.OccurredAt(),
		Data:      e.Payload(),
	}
}

// --- Typed Payloads ---

// AssignmentEventData is the payload for assignment lifecycle events.
type AssignmentEventData struct {
	TaskID   string  `json:"task_id"`
	TaskName string  `json:"task_name,omitempty"`
	AgentID  string  `json:"agent_id"`
	Priority string  `json:"priority,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Progress int     `json:"progress,omitempty"`
	Status   string  `json:"status,omitempty"`
	Message  string  `json:"message,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// LeaseEventData is the payload for lease lifecycle events.
type LeaseEventData struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Expires      time.Time `json:"expires"`
	RenewalCount int       `json:"renewal_count"`
	Stuck        bool      `json:"stuck,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// BlockerEventData is the payload for reported blockers.
type BlockerEventData struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// BoardHealthData is the payload for board-health scan results.
type BoardHealthData struct {
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	InProgressTasks int        `json:"in_progress_tasks"`
	AssignableTasks int        `json:"assignable_tasks"`
	Cycles          [][]string `json:"cycles,omitempty"`
	Gridlocked      bool       `json:"gridlocked"`
	StuckLeases     []string   `json:"stuck_leases,omitempty"`
	OrphanedTasks   []string   `json:"orphaned_tasks,omitempty"`
}

// MemoryEventData is the payload for decision/artifact log events.
type MemoryEventData struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id,omitempty"`
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
}

// SystemEventData is the payload for system lifecycle events.
type SystemEventData struct {
	Uptime           int64  `json:"uptime_seconds,omitempty"`
	RegisteredAgents int    `json:"registered_agents,omitempty"`
	ActiveLeases     int    `json:"active_leases,omitempty"`
	PendingTasks     int    `json:"pending_tasks,omitempty"`
	Message          string `json:"message,omitempty"`
}
