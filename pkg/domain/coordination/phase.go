package coordination

import "strings"

// ---------------------------------------------------------------------------
// Phase classification — design → build → test → deploy
// ---------------------------------------------------------------------------

// Phase is the development stage a task belongs to, inferred from labels.
// Phases are ordered; within a feature, later phases wait for earlier ones.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseDesign
	PhaseBuild
	PhaseTest
	PhaseDeploy
)

func (p Phase) String() string {
	switch p {
	case PhaseDesign:
		return "design"
	case PhaseBuild:
		return "build"
	case PhaseTest:
		return "test"
	case PhaseDeploy:
		return "deploy"
	}
	return "none"
}

// Before reports whether p is a strictly earlier phase than other.
// PhaseNone never orders against anything.
func (p Phase) Before(other Phase) bool {
	if p == PhaseNone || other == PhaseNone {
		return false
	}
	return p < other
}

var phaseKeywords = map[Phase][]string{
	PhaseDesign: {"design", "architecture", "planning"},
	PhaseBuild:  {"build", "implement", "implementation", "develop", "development"},
	PhaseTest:   {"test", "testing", "qa", "verification"},
	PhaseDeploy: {"deploy", "deployment", "release", "rollout"},
}

// PhaseOf infers a task's phase from its labels. An explicit
// "phase:<name>" label wins; otherwise the first phase (in order) with a
// matching keyword label is used. Tasks with no phase label are PhaseNone
// and are exempt from phase gating.
func PhaseOf(t *Task) Phase {
	if t == nil {
		return PhaseNone
	}
	for _, label := range t.Labels {
		if name, ok := strings.CutPrefix(strings.ToLower(label), "phase:"); ok {
			switch name {
			case "design":
				return PhaseDesign
			case "build":
				return PhaseBuild
			case "test":
				return PhaseTest
			case "deploy":
				return PhaseDeploy
			}
		}
	}
	for _, phase := range []Phase{PhaseDesign, PhaseBuild, PhaseTest, PhaseDeploy} {
		for _, label := range t.Labels {
			l := strings.ToLower(label)
			for _, kw := range phaseKeywords[phase] {
				if l == kw {
					return phase
				}
			}
		}
	}
	return PhaseNone
}

// FeatureLabels returns the labels that identify the task's feature:
// everything that is not a phase marker. Tasks sharing a feature label are
// gated against each other.
func FeatureLabels(t *Task) []string {
	if t == nil {
		return nil
	}
	var out []string
	for _, label := range t.Labels {
		if isPhaseLabel(label) {
			continue
		}
		out = append(out, label)
	}
	return out
}

func isPhaseLabel(label string) bool {
	l := strings.ToLower(label)
	if strings.HasPrefix(l, "phase:") {
		return true
	}
	for _, kws := range phaseKeywords {
		for _, kw := range kws {
			if l == kw {
				return true
			}
		}
	}
	return false
}

// IsDeployment classifies deployment work for deprioritization. An
// explicit "deployment" label is authoritative; otherwise deploy-phase
// keywords in labels or the task name decide.
func IsDeployment(t *Task) bool {
	if t == nil {
		return false
	}
	if t.HasLabel("deployment") {
		return true
	}
	if PhaseOf(t) == PhaseDeploy {
		return true
	}
	name := strings.ToLower(t.Name)
	for _, kw := range phaseKeywords[PhaseDeploy] {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// IsFinalDocumentation classifies the wrap-up documentation tasks held
// back by the project-success gate.
func IsFinalDocumentation(t *Task) bool {
	if t == nil {
		return false
	}
	hasDocs, hasFinal := false, false
	for _, label := range t.Labels {
		switch strings.ToLower(label) {
		case "documentation", "docs":
			hasDocs = true
		case "final", "verification":
			hasFinal = true
		}
	}
	if !hasDocs {
		return false
	}
	if hasFinal {
		return true
	}
	name := strings.ToLower(t.Name)
	return strings.Contains(name, "final") || strings.Contains(name, "verification")
}
