package intelligence

import (
	"fmt"
	"strings"

	"github.com/juju/collections/set"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/memory"
)

// A task with this many waiting tasks gets an explicit prompt to record
// architectural decisions.
const highImpactDependents = 2

// templateInstructions renders deterministic instructions from the task,
// the agent profile and recorded context. This is the whole output when no
// model is configured and the safety net when the model call fails.
func templateInstructions(task *coordination.Task, agent *coordination.Agent, tc *memory.TaskContext, warnings []memory.Blocker) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task: %s\n\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(task.Description))
	}
	fmt.Fprintf(&b, "Priority: %s", task.Priority)
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&b, " | Estimated: %.1fh", task.EstimatedHours)
	}
	b.WriteString("\n")

	if agent != nil {
		matched := set.NewStrings(agent.Skills...).Intersection(set.NewStrings(task.Labels...))
		if !matched.IsEmpty() {
			fmt.Fprintf(&b, "Matched on your skills: %s.\n", strings.Join(matched.SortedValues(), ", "))
		}
	}

	if task.IsSubtask && tc != nil && tc.ParentTask != nil {
		fmt.Fprintf(&b, "\nThis is part %d of %q (parent progress %d%%).\n",
			task.SubtaskIndex, tc.ParentTask.Name, tc.ParentTask.Progress)
	}

	if len(task.Dependencies) > 0 {
		fmt.Fprintf(&b, "\nPrerequisites (all completed): %s.\n", strings.Join(task.Dependencies, ", "))
	}

	if tc != nil && len(tc.Implementations) > 0 {
		b.WriteString("\nEarlier work on this task:\n")
		for _, im := range tc.Implementations {
			fmt.Fprintf(&b, "- %s\n", im.Summary)
		}
	}

	if tc != nil && len(tc.DependentTasks) > 0 {
		names := make([]string, 0, len(tc.DependentTasks))
		for _, d := range tc.DependentTasks {
			names = append(names, fmt.Sprintf("%s (%s)", d.Name, d.TaskID))
		}
		fmt.Fprintf(&b, "\nWaiting on this task: %s.\n", strings.Join(names, ", "))
		if len(tc.DependentTasks) >= highImpactDependents {
			b.WriteString("Record interface and architecture choices with log_decision before reporting done; downstream tasks will build on them.\n")
		}
	}

	if tc != nil && len(tc.SharedConventions) > 0 {
		b.WriteString("\nConventions agreed for this feature:\n")
		for _, d := range tc.SharedConventions {
			fmt.Fprintf(&b, "- %s\n", d.Decision)
		}
	}

	if len(warnings) > 0 {
		b.WriteString("\nKnown trouble on prerequisite work:\n")
		for _, w := range warnings {
			if w.Resolution != "" {
				fmt.Fprintf(&b, "- %s (resolved: %s)\n", w.Description, w.Resolution)
			} else {
				fmt.Fprintf(&b, "- %s\n", w.Description)
			}
		}
	}

	b.WriteString("\nReport progress with report_task_progress as you work. ")
	b.WriteString("If you hit an obstacle, call report_blocker instead of guessing. ")
	b.WriteString("Log produced documents with log_artifact and key choices with log_decision.\n")

	return b.String()
}

// templateResolutions returns the canned suggestions for a blocker severity.
func templateResolutions(severity domain.BlockerSeverity) []string {
	switch severity {
	case domain.SeverityHigh:
		return []string{
			"Stop work and keep the task blocked until an operator responds",
			"Escalate to an operator with the exact error and what you already tried",
			"Do not change the task scope to work around the blocker; wait for a decision",
		}
	case domain.SeverityMedium:
		return []string{
			"Report the blocker, then keep investigating while the assignment is retained",
			"Check whether a prerequisite task produced the missing piece; its artifacts are in the task context",
			"If the blocker involves credentials or an external service, escalate to an operator",
		}
	default:
		return []string{
			"Log the obstacle with log_decision and continue with the parts it does not block",
			"Re-read the task context for related decisions before retrying",
		}
	}
}
