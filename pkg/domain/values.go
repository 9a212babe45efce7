package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// AIProviderType represents the kind of instruction-model provider.
type AIProviderType string

const (
	ProviderAnthropic AIProviderType = "anthropic"
	ProviderOpenAI    AIProviderType = "openai"
	ProviderNone      AIProviderType = "none"
)

func (pt AIProviderType) String() string { return string(pt) }

// ---------------------------------------------------------------------------

// BlockerSeverity classifies reported blockers.
type BlockerSeverity string

const (
	SeverityLow    BlockerSeverity = "low"
	SeverityMedium BlockerSeverity = "medium"
	SeverityHigh   BlockerSeverity = "high"
)

// Valid returns true if the severity is recognized.
func (s BlockerSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

func (s BlockerSeverity) String() string { return string(s) }
