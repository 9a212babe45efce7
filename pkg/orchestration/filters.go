package orchestration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

// ---------------------------------------------------------------------------
// Candidate filtering — which tasks are assignable right now
// ---------------------------------------------------------------------------

// FilterInput is one request's view of the board.
type FilterInput struct {
	Tasks       []*coordination.Task
	AssignedIDs set.Strings
	HasSubtasks func(parentID string) bool

	// CompletionThreshold gates final-documentation tasks until this
	// fraction of non-documentation work is done.
	CompletionThreshold float64
}

// FilterOutcome is the surviving candidate set plus an accounting of why
// everything else was dropped. The counts feed the "no task" response.
type FilterOutcome struct {
	Candidates []*coordination.Task

	NotTodo           int
	AlreadyAssigned   int
	ParentsExcluded   int
	WaitingOnDeps     int
	InCycle           int
	DocsGated         int
	PhaseBlocked      int
	DeploySetAside    int
	SubtasksPreferred bool

	Cycles [][]string
}

// Reason renders a short human explanation for an empty candidate set.
func (o *FilterOutcome) Reason() string {
	var parts []string
	add := func(n int, what string) {
		if n == 1 {
			parts = append(parts, fmt.Sprintf("1 task %s", what))
		} else if n > 1 {
			parts = append(parts, fmt.Sprintf("%d tasks %s", n, what))
		}
	}
	add(o.WaitingOnDeps, "waiting on dependencies")
	add(o.PhaseBlocked, "blocked by phase order")
	add(o.AlreadyAssigned, "already assigned")
	add(o.DocsGated, "held for project completion")
	add(o.InCycle, "caught in a dependency cycle")
	if len(parts) == 0 {
		return "no tasks available"
	}
	return strings.Join(parts, ", ")
}

// FilterAssignable runs the assignment filter pipeline over the snapshot:
// TODO status, not already assigned, not a parent with subtasks, all
// dependencies complete, the project-success gate for wrap-up
// documentation, phase ordering within features, and the deployment
// set-aside. Subtasks are preferred over top-level tasks when any survive.
func FilterAssignable(in FilterInput) *FilterOutcome {
	out := &FilterOutcome{}

	byID := make(map[string]*coordination.Task, len(in.Tasks))
	completed := set.NewStrings()
	for _, t := range in.Tasks {
		byID[t.ID] = t
		if t.Status == coordination.StatusDone {
			completed.Add(t.ID)
		}
	}

	out.Cycles = DetectCycles(in.Tasks)
	cyclic := set.NewStrings()
	for _, cycle := range out.Cycles {
		for _, id := range cycle {
			cyclic.Add(id)
		}
	}

	var base []*coordination.Task
	for _, t := range in.Tasks {
		switch {
		case t.Status != coordination.StatusTodo:
			out.NotTodo++
		case in.AssignedIDs.Contains(t.ID):
			out.AlreadyAssigned++
		case in.HasSubtasks != nil && in.HasSubtasks(t.ID):
			out.ParentsExcluded++
		case cyclic.Contains(t.ID):
			out.InCycle++
		case !dependenciesMet(t, completed):
			out.WaitingOnDeps++
		default:
			base = append(base, t)
		}
	}

	base = gateFinalDocumentation(base, in.Tasks, in.CompletionThreshold, out)
	base = gatePhases(base, in.Tasks, out)

	// Deployment work waits until it is the only work left.
	var regular, deploy []*coordination.Task
	for _, t := range base {
		if coordination.IsDeployment(t) {
			deploy = append(deploy, t)
		} else {
			regular = append(regular, t)
		}
	}
	if len(regular) > 0 {
		out.DeploySetAside = len(deploy)
		base = regular
	} else {
		base = deploy
	}

	// Subtasks first: finish decomposed work before opening new fronts.
	var subtasks []*coordination.Task
	for _, t := range base {
		if t.IsSubtask {
			subtasks = append(subtasks, t)
		}
	}
	if len(subtasks) > 0 {
		out.SubtasksPreferred = true
		base = subtasks
	}

	out.Candidates = base
	return out
}

func dependenciesMet(t *coordination.Task, completed set.Strings) bool {
	for _, dep := range t.Dependencies {
		if !completed.Contains(dep) {
			return false
		}
	}
	return true
}

// gateFinalDocumentation drops wrap-up documentation until enough of the
// real work is done. When documentation is all that is left assignable the
// gate lifts, otherwise the project could never finish.
func gateFinalDocumentation(candidates, all []*coordination.Task, threshold float64, out *FilterOutcome) []*coordination.Task {
	if threshold <= 0 {
		return candidates
	}

	nonDocTotal, nonDocDone := 0, 0
	for _, t := range all {
		if coordination.IsFinalDocumentation(t) {
			continue
		}
		nonDocTotal++
		if t.Status == coordination.StatusDone {
			nonDocDone++
		}
	}
	if nonDocTotal == 0 {
		return candidates
	}
	if float64(nonDocDone)/float64(nonDocTotal) >= threshold {
		return candidates
	}

	var kept, docs []*coordination.Task
	for _, t := range candidates {
		if coordination.IsFinalDocumentation(t) {
			docs = append(docs, t)
		} else {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return docs
	}
	out.DocsGated = len(docs)
	return kept
}

// gatePhases enforces design → build → test → deploy within a feature:
// a candidate is blocked while any unfinished task of an earlier phase
// shares a feature label with it. Tasks without a phase are exempt.
func gatePhases(candidates, all []*coordination.Task, out *FilterOutcome) []*coordination.Task {
	features := make(map[string]set.Strings, len(all))
	featureOf := func(t *coordination.Task) set.Strings {
		if s, ok := features[t.ID]; ok {
			return s
		}
		s := set.NewStrings(coordination.FeatureLabels(t)...)
		features[t.ID] = s
		return s
	}

	var kept []*coordination.Task
	for _, t := range candidates {
		phase := coordination.PhaseOf(t)
		if phase == coordination.PhaseNone {
			kept = append(kept, t)
			continue
		}
		feature := featureOf(t)

		blocked := false
		for _, u := range all {
			if u.ID == t.ID || u.Status == coordination.StatusDone {
				continue
			}
			uPhase := coordination.PhaseOf(u)
			if !uPhase.Before(phase) {
				continue
			}
			if feature.Intersection(featureOf(u)).IsEmpty() {
				continue
			}
			blocked = true
			break
		}
		if blocked {
			out.PhaseBlocked++
		} else {
			kept = append(kept, t)
		}
	}
	return kept
}

// ---------------------------------------------------------------------------
// Cycle detection
// ---------------------------------------------------------------------------

// DetectCycles walks the dependency graph depth-first with a recursion
// stack and returns every distinct cycle found. Tasks inside a cycle can
// never become assignable until the cycle is broken, so the scheduler
// excludes them and the health scan reports them.
func DetectCycles(tasks []*coordination.Task) [][]string {
	byID := make(map[string]*coordination.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var stack []string
	seen := make(map[string]bool)
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		t := byID[id]
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue // dangling dependency, not a cycle
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// Extract the cycle from the stack.
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				canonical := canonicalCycle(cycle)
				key := strings.Join(canonical, "→")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, canonical)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// canonicalCycle rotates the cycle so the smallest id leads, giving every
// traversal of the same cycle one representation.
func canonicalCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}
