package orchestration

import (
	"testing"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

func scoringWeights() config.ScoringConfig {
	return config.ScoringConfig{SkillWeight: 0.6, PriorityWeight: 0.4}
}

func scoringAgent(skills ...string) *coordination.Agent {
	return coordination.NewAgent("a1", "one", "backend", skills)
}

func TestSkillMatch(t *testing.T) {
	agent := scoringAgent("go", "api", "sql")

	tests := []struct {
		name   string
		labels []string
		want   float64
	}{
		{"full overlap", []string{"go", "api"}, 1.0},
		{"partial overlap", []string{"go", "frontend"}, 0.5},
		{"no overlap", []string{"frontend", "css"}, 0.0},
		{"no labels", nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := todoTask("t1", tt.labels...)
			if got := SkillMatch(agent, task); !almost(got, tt.want) {
				t.Fatalf("SkillMatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreCandidatesWeighting(t *testing.T) {
	agent := scoringAgent("python", "api")

	match := todoTask("t1", "python", "api")
	match.Priority = coordination.PriorityHigh
	urgent := todoTask("t2", "javascript")
	urgent.Priority = coordination.PriorityUrgent
	half := todoTask("t3", "python", "db")
	half.Priority = coordination.PriorityMedium

	scored := ScoreCandidates([]*coordination.Task{urgent, half, match}, agent, scoringWeights())
	if len(scored) != 3 {
		t.Fatalf("scored = %d entries", len(scored))
	}

	// 0.6*1.0+0.4*0.8=0.92 beats 0.6*0.5+0.4*0.5=0.5 beats 0.6*0+0.4*1.0=0.4.
	if scored[0].Task.ID != "t1" || !almost(scored[0].Score, 0.92) {
		t.Fatalf("best = %s score %v, want t1 0.92", scored[0].Task.ID, scored[0].Score)
	}
	if scored[1].Task.ID != "t3" || !almost(scored[1].Score, 0.5) {
		t.Fatalf("second = %s score %v, want t3 0.5", scored[1].Task.ID, scored[1].Score)
	}
	if scored[2].Task.ID != "t2" || !almost(scored[2].Score, 0.4) {
		t.Fatalf("third = %s score %v, want t2 0.4", scored[2].Task.ID, scored[2].Score)
	}
	if !almost(scored[0].SkillMatch, 1.0) {
		t.Fatalf("skill match = %v, want 1.0", scored[0].SkillMatch)
	}
}

func TestScoreTieBreaks(t *testing.T) {
	// Zero weights force every score to zero so only the tie-break chain
	// decides: priority rank, then smaller estimate, then id.
	agent := scoringAgent()
	flat := config.ScoringConfig{}

	low := todoTask("a-low")
	low.Priority = coordination.PriorityLow
	urgent := todoTask("z-urgent")
	urgent.Priority = coordination.PriorityUrgent
	bigMedium := todoTask("b-medium")
	bigMedium.Priority = coordination.PriorityMedium
	bigMedium.EstimatedHours = 8
	smallMedium := todoTask("c-medium")
	smallMedium.Priority = coordination.PriorityMedium
	smallMedium.EstimatedHours = 2
	twinMedium := todoTask("a-medium")
	twinMedium.Priority = coordination.PriorityMedium
	twinMedium.EstimatedHours = 2

	scored := ScoreCandidates(
		[]*coordination.Task{low, bigMedium, urgent, smallMedium, twinMedium},
		agent, flat)

	want := []string{"z-urgent", "a-medium", "c-medium", "b-medium", "a-low"}
	for i, id := range want {
		if scored[i].Task.ID != id {
			got := make([]string, len(scored))
			for j, s := range scored {
				got[j] = s.Task.ID
			}
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSelectBest(t *testing.T) {
	agent := scoringAgent("go")

	if got := SelectBest(nil, agent, scoringWeights()); got != nil {
		t.Fatalf("SelectBest(empty) = %+v, want nil", got)
	}

	a := todoTask("t1", "go")
	b := todoTask("t2", "css")
	best := SelectBest([]*coordination.Task{b, a}, agent, scoringWeights())
	if best == nil || best.Task.ID != "t1" {
		t.Fatalf("SelectBest = %+v, want t1", best)
	}
}
