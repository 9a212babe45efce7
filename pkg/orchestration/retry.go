package orchestration

import (
	"math"
	"sort"
	"time"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Retry-after estimation — when should a denied agent come back
// ---------------------------------------------------------------------------

// progressEpsilon floors the progress fraction so early reports do not
// project absurd completion times.
const progressEpsilon = 0.01

// fallbackTaskHours stands in for the median when no task has ever
// completed.
const fallbackTaskHours = 1.0

// RetryHint tells a denied agent when to ask again and which in-flight
// task is expected to unblock work soonest.
type RetryHint struct {
	Seconds          int    `json:"retry_after_seconds"`
	BlockingTaskID   string `json:"blocking_task_id,omitempty"`
	BlockingTaskName string `json:"blocking_task_name,omitempty"`
}

// ComputeRetryAfter projects the soonest completion among in-progress
// tasks. A task reporting progress projects linearly from its own pace;
// one that has not reported yet is assumed to take the median historical
// duration. The result carries a safety buffer and is clamped to the
// configured floor and cap.
func ComputeRetryAfter(cfg config.RetryAfterConfig, now time.Time, tasks []*coordination.Task, assignedAt map[string]time.Time, completedHours []float64) RetryHint {
	fallback := medianHours(completedHours)

	best := math.Inf(1)
	var bestTask *coordination.Task
	for _, t := range tasks {
		if t.Status != coordination.StatusInProgress {
			continue
		}

		remaining := fallback
		started, tracked := assignedAt[t.ID]
		if tracked && t.Progress > 0 {
			elapsed := now.Sub(started).Hours()
			if elapsed < 0 {
				elapsed = 0
			}
			p := math.Min(float64(t.Progress)/100, 1)
			remaining = elapsed / math.Max(p, progressEpsilon) * (1 - p)
		}

		if remaining < best {
			best = remaining
			bestTask = t
		}
	}

	if bestTask == nil {
		best = fallback
	}

	seconds := best * 3600 * (1 + cfg.BufferFraction)
	if seconds < float64(cfg.FloorSeconds) {
		seconds = float64(cfg.FloorSeconds)
	}
	if seconds > float64(cfg.CapSeconds) {
		seconds = float64(cfg.CapSeconds)
	}

	hint := RetryHint{Seconds: int(math.Round(seconds))}
	if bestTask != nil {
		hint.BlockingTaskID = bestTask.ID
		hint.BlockingTaskName = bestTask.Name
	}
	return hint
}

// medianHours returns the median of observed completion durations, or the
// fallback when history is empty.
func medianHours(hours []float64) float64 {
	if len(hours) == 0 {
		return fallbackTaskHours
	}
	sorted := append([]float64(nil), hours...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
