// Package config loads server configuration from a YAML file with
// environment-variable overrides. Missing file means defaults; a present
// but invalid file is a startup error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the coordination server.
type Config struct {
	Server         ServerConfig         `yaml:"server" envPrefix:"MARCUS_SERVER_"`
	Kanban         KanbanConfig         `yaml:"kanban" envPrefix:"MARCUS_KANBAN_"`
	AI             AIConfig             `yaml:"ai" envPrefix:"MARCUS_AI_"`
	TaskLease      TaskLeaseConfig      `yaml:"task_lease" envPrefix:"MARCUS_LEASE_"`
	Scoring        ScoringConfig        `yaml:"scoring" envPrefix:"MARCUS_SCORING_"`
	RetryAfter     RetryAfterConfig     `yaml:"retry_after" envPrefix:"MARCUS_RETRY_"`
	ProjectSuccess ProjectSuccessConfig `yaml:"project_success" envPrefix:"MARCUS_PROJECT_"`
	Monitor        MonitorConfig        `yaml:"monitor" envPrefix:"MARCUS_MONITOR_"`
	Memory         MemoryConfig         `yaml:"memory" envPrefix:"MARCUS_MEMORY_"`
	Notify         NotifyConfig         `yaml:"notify" envPrefix:"MARCUS_NOTIFY_"`
	Log            LogConfig            `yaml:"log" envPrefix:"MARCUS_LOG_"`
}

// ServerConfig controls the HTTP transport and state directory.
type ServerConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
}

// KanbanConfig selects and configures the board provider.
type KanbanConfig struct {
	Provider string             `yaml:"provider" env:"PROVIDER"` // "github" or "memory"
	GitHub   GitHubKanbanConfig `yaml:"github" envPrefix:"GITHUB_"`
}

// GitHubKanbanConfig configures the issues-as-tasks provider.
type GitHubKanbanConfig struct {
	Token      string `yaml:"token" env:"TOKEN"`
	Owner      string `yaml:"owner" env:"OWNER"`
	Repo       string `yaml:"repo" env:"REPO"`
	APIBase    string `yaml:"api_base" env:"API_BASE"`
	MaxRetries int    `yaml:"max_retries" env:"MAX_RETRIES"`
}

// AIConfig configures the instruction/blocker model provider.
type AIConfig struct {
	Provider       string  `yaml:"provider" env:"PROVIDER"` // "anthropic", "openai", "none"
	Model          string  `yaml:"model" env:"MODEL"`
	APIKey         string  `yaml:"api_key" env:"API_KEY"`
	APIBase        string  `yaml:"api_base" env:"API_BASE"`
	MaxTokens      int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature    float64 `yaml:"temperature" env:"TEMPERATURE"`
	TimeoutSeconds int     `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// TaskLeaseConfig holds every lease knob.
type TaskLeaseConfig struct {
	DefaultHours           float64 `yaml:"default_hours" env:"DEFAULT_HOURS"`
	MaxRenewals            int     `yaml:"max_renewals" env:"MAX_RENEWALS"`
	WarningHours           float64 `yaml:"warning_hours" env:"WARNING_HOURS"`
	GracePeriodMinutes     int     `yaml:"grace_period_minutes" env:"GRACE_PERIOD_MINUTES"`
	RenewalDecayFactor     float64 `yaml:"renewal_decay_factor" env:"RENEWAL_DECAY_FACTOR"`
	MinLeaseHours          float64 `yaml:"min_lease_hours" env:"MIN_LEASE_HOURS"`
	MaxLeaseHours          float64 `yaml:"max_lease_hours" env:"MAX_LEASE_HOURS"`
	StuckThresholdRenewals int     `yaml:"stuck_threshold_renewals" env:"STUCK_THRESHOLD_RENEWALS"`
	EnableAdaptive         bool    `yaml:"enable_adaptive" env:"ENABLE_ADAPTIVE"`
}

// ScoringConfig weighs skill match against priority.
type ScoringConfig struct {
	SkillWeight    float64 `yaml:"skill_weight" env:"SKILL_WEIGHT"`
	PriorityWeight float64 `yaml:"priority_weight" env:"PRIORITY_WEIGHT"`
}

// RetryAfterConfig bounds the retry hint on empty candidate pools.
type RetryAfterConfig struct {
	FloorSeconds   int     `yaml:"floor_seconds" env:"FLOOR_SECONDS"`
	CapSeconds     int     `yaml:"cap_seconds" env:"CAP_SECONDS"`
	BufferFraction float64 `yaml:"buffer_fraction" env:"BUFFER_FRACTION"`
}

// ProjectSuccessConfig gates final-documentation tasks.
type ProjectSuccessConfig struct {
	CompletionThreshold float64 `yaml:"completion_threshold" env:"COMPLETION_THRESHOLD"`
}

// MonitorConfig controls the background loops.
type MonitorConfig struct {
	AssignmentIntervalSeconds int    `yaml:"assignment_interval_seconds" env:"ASSIGNMENT_INTERVAL_SECONDS"`
	HealthCron                string `yaml:"health_cron" env:"HEALTH_CRON"`
}

// MemoryConfig locates the decision/artifact store.
type MemoryConfig struct {
	DatabasePath     string `yaml:"database_path" env:"DATABASE_PATH"`
	ContextCacheSize int    `yaml:"context_cache_size" env:"CONTEXT_CACHE_SIZE"`
}

// NotifyConfig configures the optional Slack notifier.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token" env:"SLACK_TOKEN"`
	SlackChannel string `yaml:"slack_channel" env:"SLACK_CHANNEL"`
}

// LogConfig controls log verbosity.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     4280,
			StateDir: "~/.marcus",
		},
		Kanban: KanbanConfig{
			Provider: "memory",
			GitHub: GitHubKanbanConfig{
				APIBase:    "https://api.github.com",
				MaxRetries: 3,
			},
		},
		AI: AIConfig{
			Provider:       "none",
			MaxTokens:      2048,
			Temperature:    0.3,
			TimeoutSeconds: 30,
		},
		TaskLease: TaskLeaseConfig{
			DefaultHours:           2.0,
			MaxRenewals:            10,
			WarningHours:           0.5,
			GracePeriodMinutes:     30,
			RenewalDecayFactor:     0.9,
			MinLeaseHours:          1.0,
			MaxLeaseHours:          24.0,
			StuckThresholdRenewals: 5,
			EnableAdaptive:         true,
		},
		Scoring: ScoringConfig{
			SkillWeight:    0.6,
			PriorityWeight: 0.4,
		},
		RetryAfter: RetryAfterConfig{
			FloorSeconds:   30,
			CapSeconds:     3600,
			BufferFraction: 0.10,
		},
		ProjectSuccess: ProjectSuccessConfig{
			CompletionThreshold: 0.90,
		},
		Monitor: MonitorConfig{
			AssignmentIntervalSeconds: 60,
			HealthCron:                "*/30 * * * *",
		},
		Memory: MemoryConfig{
			DatabasePath:     "", // resolved under StateDir when empty
			ContextCacheSize: 256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler cannot operate with.
func (c *Config) Validate() error {
	tl := c.TaskLease
	if tl.DefaultHours <= 0 {
		return fmt.Errorf("task_lease.default_hours must be positive, got %v", tl.DefaultHours)
	}
	if tl.MinLeaseHours <= 0 || tl.MaxLeaseHours < tl.MinLeaseHours {
		return fmt.Errorf("task_lease bounds invalid: min=%v max=%v", tl.MinLeaseHours, tl.MaxLeaseHours)
	}
	if tl.RenewalDecayFactor <= 0 || tl.RenewalDecayFactor > 1 {
		return fmt.Errorf("task_lease.renewal_decay_factor must be in (0,1], got %v", tl.RenewalDecayFactor)
	}
	if tl.WarningHours <= 0 {
		return fmt.Errorf("task_lease.warning_hours must be positive, got %v", tl.WarningHours)
	}
	if tl.StuckThresholdRenewals < 1 {
		return fmt.Errorf("task_lease.stuck_threshold_renewals must be >= 1, got %d", tl.StuckThresholdRenewals)
	}

	if w := c.Scoring.SkillWeight + c.Scoring.PriorityWeight; w <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %v", w)
	}

	ra := c.RetryAfter
	if ra.FloorSeconds < 0 || ra.CapSeconds < ra.FloorSeconds {
		return fmt.Errorf("retry_after bounds invalid: floor=%d cap=%d", ra.FloorSeconds, ra.CapSeconds)
	}
	if ra.BufferFraction < 0 {
		return fmt.Errorf("retry_after.buffer_fraction must be >= 0, got %v", ra.BufferFraction)
	}

	if t := c.ProjectSuccess.CompletionThreshold; t < 0 || t > 1 {
		return fmt.Errorf("project_success.completion_threshold must be in [0,1], got %v", t)
	}

	switch c.Kanban.Provider {
	case "memory":
	case "github":
		gh := c.Kanban.GitHub
		if gh.Token == "" || gh.Owner == "" || gh.Repo == "" {
			return fmt.Errorf("kanban.github requires token, owner and repo")
		}
	default:
		return fmt.Errorf("kanban.provider must be \"memory\" or \"github\", got %q", c.Kanban.Provider)
	}

	switch c.AI.Provider {
	case "none", "":
	case "anthropic", "openai":
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.provider %q requires ai.api_key", c.AI.Provider)
		}
	default:
		return fmt.Errorf("ai.provider must be \"anthropic\", \"openai\" or \"none\", got %q", c.AI.Provider)
	}

	gron := gronx.New()
	if c.Monitor.HealthCron != "" && !gron.IsValid(c.Monitor.HealthCron) {
		return fmt.Errorf("monitor.health_cron is not a valid cron expression: %q", c.Monitor.HealthCron)
	}
	if c.Monitor.AssignmentIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.assignment_interval_seconds must be positive, got %d", c.Monitor.AssignmentIntervalSeconds)
	}

	return nil
}

// StateDir expands the configured state directory, creating nothing.
func (c *Config) StateDir() string {
	return expandHome(c.Server.StateDir)
}

// AssignmentsPath is the durable assignment file inside the state dir.
func (c *Config) AssignmentsPath() string {
	return filepath.Join(c.StateDir(), "assignments.json")
}

// AuditPath is the append-only event trail inside the state dir.
func (c *Config) AuditPath() string {
	return filepath.Join(c.StateDir(), "audit.jsonl")
}

// MemoryDatabasePath resolves the SQLite database location.
func (c *Config) MemoryDatabasePath() string {
	if c.Memory.DatabasePath != "" {
		return expandHome(c.Memory.DatabasePath)
	}
	return filepath.Join(c.StateDir(), "memory.db")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
