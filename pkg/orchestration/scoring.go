package orchestration

import (
	"math"
	"sort"

	"github.com/juju/collections/set"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Candidate scoring — which assignable task fits this agent best
// ---------------------------------------------------------------------------

const scoreEpsilon = 1e-9

// ScoredCandidate pairs a task with its fit for one agent.
type ScoredCandidate struct {
	Task       *coordination.Task
	Score      float64
	SkillMatch float64
}

// SkillMatch is the fraction of the task's labels covered by the agent's
// skills. A task without labels matches everyone equally at zero.
func SkillMatch(agent *coordination.Agent, task *coordination.Task) float64 {
	if len(task.Labels) == 0 {
		return 0
	}
	skills := set.NewStrings(agent.Skills...)
	labels := set.NewStrings(task.Labels...)
	overlap := skills.Intersection(labels).Size()
	return float64(overlap) / math.Max(float64(labels.Size()), 1)
}

// ScoreCandidates ranks candidates for the agent. The score blends skill
// fit with priority urgency; ties fall to higher priority, then the
// smaller estimate, then the lexicographically smaller id so the outcome
// is deterministic for identical boards.
func ScoreCandidates(candidates []*coordination.Task, agent *coordination.Agent, weights config.ScoringConfig) []ScoredCandidate {
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, t := range candidates {
		match := SkillMatch(agent, t)
		scored = append(scored, ScoredCandidate{
			Task:       t,
			SkillMatch: match,
			Score:      weights.SkillWeight*match + weights.PriorityWeight*t.Priority.Weight(),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.Task.Priority.Rank() != b.Task.Priority.Rank() {
			return a.Task.Priority.Rank() > b.Task.Priority.Rank()
		}
		if a.Task.EstimatedHours != b.Task.EstimatedHours {
			return a.Task.EstimatedHours < b.Task.EstimatedHours
		}
		return a.Task.ID < b.Task.ID
	})
	return scored
}

// SelectBest returns the top-ranked candidate, or nil when none exist.
func SelectBest(candidates []*coordination.Task, agent *coordination.Agent, weights config.ScoringConfig) *ScoredCandidate {
	scored := ScoreCandidates(candidates, agent, weights)
	if len(scored) == 0 {
		return nil
	}
	best := scored[0]
	return &best
}
