// Package intelligence turns assignment decisions into working instructions
// for agents. When a model provider is configured it writes the
// instructions; a circuit breaker guards every call and deterministic
// templates take over on any failure, so an assignment never fails because
// the model is down.
package intelligence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/logger"
	"github.com/marcus-ai/marcus/pkg/memory"
	"github.com/marcus-ai/marcus/pkg/providers"
)

// Instruction sources reported alongside generated text.
const (
	SourceModel    = "model"
	SourceTemplate = "template"
)

const (
	breakerConsecutiveFailures = 3
	breakerRecoveryTimeout     = 60 * time.Second
	maxSuggestions             = 5
)

// Engine generates task instructions and blocker resolutions.
type Engine struct {
	provider    providers.LLMProvider
	breaker     *gobreaker.CircuitBreaker
	timeout     time.Duration
	maxTokens   int
	temperature float64
}

// NewEngine wires the engine to a provider. A nil provider means
// template-only mode.
func NewEngine(cfg config.AIConfig, provider providers.LLMProvider) *Engine {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     breakerRecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WarnCF("intelligence", "model circuit breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		provider:    provider,
		breaker:     cb,
		timeout:     timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Enabled reports whether a model provider is configured.
func (e *Engine) Enabled() bool { return e.provider != nil }

// GenerateTaskInstructions returns instructions for a fresh assignment and
// the source they came from. It never fails; the template path is the
// guaranteed floor.
func (e *Engine) GenerateTaskInstructions(ctx context.Context, task *coordination.Task, agent *coordination.Agent, tc *memory.TaskContext, warnings []memory.Blocker) (string, string) {
	fallback := func() (string, string) {
		return templateInstructions(task, agent, tc, warnings), SourceTemplate
	}
	if e.provider == nil {
		return fallback()
	}

	text, err := e.complete(ctx, instructionSystem, instructionPrompt(task, agent, tc, warnings))
	if err != nil || strings.TrimSpace(text) == "" {
		logger.WarnCF("intelligence", "instruction generation fell back to template", map[string]interface{}{
			"task_id": task.ID,
			"error":   err,
		})
		return fallback()
	}
	return text, SourceModel
}

// SuggestBlockerResolutions returns ordered resolution suggestions for a
// reported blocker.
func (e *Engine) SuggestBlockerResolutions(ctx context.Context, task *coordination.Task, description string, severity domain.BlockerSeverity) []string {
	if e.provider == nil {
		return templateResolutions(severity)
	}

	text, err := e.complete(ctx, blockerSystem, blockerPrompt(task, description, severity))
	if err != nil {
		logger.WarnCF("intelligence", "blocker suggestions fell back to template", map[string]interface{}{
			"task_id": task.ID,
			"error":   err,
		})
		return templateResolutions(severity)
	}
	suggestions := parseSuggestions(text)
	if len(suggestions) == 0 {
		return templateResolutions(severity)
	}
	return suggestions
}

func (e *Engine) complete(ctx context.Context, system, prompt string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.provider.Complete(cctx, providers.CompletionRequest{
			System:      system,
			Prompt:      prompt,
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
		})
	})
	if err != nil {
		return "", err
	}
	return out.(*providers.CompletionResponse).Text, nil
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

const instructionSystem = "You coordinate autonomous coding agents working from a shared board. " +
	"Write clear, actionable task instructions in short markdown sections. " +
	"Never invent requirements that are not in the task or its context."

const blockerSystem = "You coordinate autonomous coding agents. An agent reports being blocked. " +
	"Reply with up to five concrete resolution steps, one per line, most promising first."

func instructionPrompt(task *coordination.Task, agent *coordination.Agent, tc *memory.TaskContext, warnings []memory.Blocker) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %s: %s (priority %s", task.ID, task.Name, task.Priority)
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&b, ", estimate %.1fh", task.EstimatedHours)
	}
	b.WriteString(")\n")
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if agent != nil {
		fmt.Fprintf(&b, "Agent: %s, role %s, skills: %s\n", agent.Name, agent.Role, strings.Join(agent.Skills, ", "))
	}
	if task.IsSubtask && tc != nil && tc.ParentTask != nil {
		fmt.Fprintf(&b, "Subtask %d of parent %q (parent status %s, progress %d%%)\n",
			task.SubtaskIndex, tc.ParentTask.Name, tc.ParentTask.Status, tc.ParentTask.Progress)
	}
	if len(task.Dependencies) > 0 {
		fmt.Fprintf(&b, "Completed prerequisites: %s\n", strings.Join(task.Dependencies, ", "))
	}
	if tc != nil {
		for _, im := range tc.Implementations {
			fmt.Fprintf(&b, "Earlier work: %s\n", im.Summary)
		}
		if len(tc.DependentTasks) > 0 {
			names := make([]string, 0, len(tc.DependentTasks))
			for _, d := range tc.DependentTasks {
				names = append(names, d.Name)
			}
			fmt.Fprintf(&b, "Tasks waiting on this one: %s\n", strings.Join(names, ", "))
		}
		for _, d := range tc.SharedConventions {
			fmt.Fprintf(&b, "Agreed convention: %s\n", d.Decision)
		}
	}
	for _, w := range warnings {
		fmt.Fprintf(&b, "Past blocker on prerequisite work: %s\n", w.Description)
	}

	b.WriteString("\nWrite instructions for the agent: concrete first steps, what to verify before reporting done")
	if tc != nil && len(tc.DependentTasks) >= highImpactDependents {
		b.WriteString(", and which architectural decisions to record given the downstream tasks")
	}
	b.WriteString(".")
	return b.String()
}

func blockerPrompt(task *coordination.Task, description string, severity domain.BlockerSeverity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Severity: %s\nBlocker: %s\n", severity, description)
	return b.String()
}

// parseSuggestions splits a model reply into clean suggestion lines.
func parseSuggestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}
