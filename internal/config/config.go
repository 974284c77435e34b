// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/remediation"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/scoring"
	"github.com/opsloop/selfheal/internal/verification"
)

// Config is the engine's full configuration tree.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Breaker      BreakerConfig      `yaml:"circuit_breaker"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Verification VerificationConfig `yaml:"verification"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Policy       PolicyConfig       `yaml:"policy"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Escalation   EscalationConfig   `yaml:"escalation"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ScoringConfig struct {
	TotalUsers           int            `yaml:"total_users"`
	TotalServices        int            `yaml:"total_services"`
	TotalInstances       int            `yaml:"total_instances"`
	RevenueBase          float64        `yaml:"revenue_base"`
	CriticalUserFraction float64        `yaml:"critical_user_fraction"`
	MajorUserFraction    float64        `yaml:"major_user_fraction"`
	ModerateUserFraction float64        `yaml:"moderate_user_fraction"`
	SustainedOccurrences int            `yaml:"sustained_occurrences"`
	SustainedDurationSec int            `yaml:"sustained_duration_sec"`
	CategoryRisk         map[string]int `yaml:"category_risk"`
}

type BreakerConfig struct {
	FailureStreak     int     `yaml:"failure_streak"`
	WindowSize        int     `yaml:"window_size"`
	WindowFailureRate float64 `yaml:"window_failure_rate"`
	CooldownSec       int     `yaml:"cooldown_sec"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type ExecutionConfig struct {
	StageWaitSec        int     `yaml:"stage_wait_sec"`
	AbortErrorRateDelta float64 `yaml:"abort_error_rate_delta"`
	ActionsDir          string  `yaml:"actions_dir"`
}

type VerificationConfig struct {
	ImmediateDelaySec  int     `yaml:"immediate_delay_sec"`
	ShortTermWindowSec int     `yaml:"short_term_window_sec"`
	SampleIntervalSec  int     `yaml:"sample_interval_sec"`
	StabilityWindowSec int     `yaml:"stability_window_sec"`
	WorseningDelta     float64 `yaml:"worsening_delta"`
	MinPassRate        float64 `yaml:"min_pass_rate"`
}

type CatalogConfig struct {
	PackDir string `yaml:"pack_dir"`
}

type PolicyConfig struct {
	PreApprovedCategories []string            `yaml:"pre_approved_categories"`
	MaintenanceWindows    []MaintenanceWindow `yaml:"maintenance_windows"`
}

type MaintenanceWindow struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// EscalationConfig points escalations at an on-call webhook. An empty
// URL means escalations are logged only.
type EscalationConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type LifecycleConfig struct {
	ConflictRetrySec int `yaml:"conflict_retry_sec"`
	MaxCandidates    int `yaml:"max_candidates"`
}

// Load reads the configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = "selfheal.db"
	}
	if c.Scoring.TotalUsers == 0 {
		c.Scoring.TotalUsers = 100000
	}
	if c.Scoring.TotalServices == 0 {
		c.Scoring.TotalServices = 50
	}
	if c.Scoring.TotalInstances == 0 {
		c.Scoring.TotalInstances = 500
	}
	if c.Scoring.RevenueBase == 0 {
		c.Scoring.RevenueBase = 100000
	}
	if c.Scoring.CriticalUserFraction == 0 {
		c.Scoring.CriticalUserFraction = 0.25
	}
	if c.Scoring.MajorUserFraction == 0 {
		c.Scoring.MajorUserFraction = 0.10
	}
	if c.Scoring.ModerateUserFraction == 0 {
		c.Scoring.ModerateUserFraction = 0.01
	}
	if c.Scoring.SustainedOccurrences == 0 {
		c.Scoring.SustainedOccurrences = 3
	}
	if c.Scoring.SustainedDurationSec == 0 {
		c.Scoring.SustainedDurationSec = 900
	}
	if c.Breaker.FailureStreak == 0 {
		c.Breaker.FailureStreak = 3
	}
	if c.Breaker.WindowSize == 0 {
		c.Breaker.WindowSize = 10
	}
	if c.Breaker.WindowFailureRate == 0 {
		c.Breaker.WindowFailureRate = 0.5
	}
	if c.Breaker.CooldownSec == 0 {
		c.Breaker.CooldownSec = 3600
	}
	if c.Dedup.WindowSec == 0 {
		c.Dedup.WindowSec = 300
	}
	if c.Execution.StageWaitSec == 0 {
		c.Execution.StageWaitSec = 30
	}
	if c.Execution.AbortErrorRateDelta == 0 {
		c.Execution.AbortErrorRateDelta = 0.05
	}
	if c.Execution.ActionsDir == "" {
		c.Execution.ActionsDir = "actions"
	}
	if c.Verification.ImmediateDelaySec == 0 {
		c.Verification.ImmediateDelaySec = 10
	}
	if c.Verification.ShortTermWindowSec == 0 {
		c.Verification.ShortTermWindowSec = 180
	}
	if c.Verification.SampleIntervalSec == 0 {
		c.Verification.SampleIntervalSec = 30
	}
	if c.Verification.StabilityWindowSec == 0 {
		c.Verification.StabilityWindowSec = 600
	}
	if c.Verification.WorseningDelta == 0 {
		c.Verification.WorseningDelta = 0.10
	}
	if c.Verification.MinPassRate == 0 {
		c.Verification.MinPassRate = 0.9
	}
	if c.Lifecycle.ConflictRetrySec == 0 {
		c.Lifecycle.ConflictRetrySec = 30
	}
	if c.Lifecycle.MaxCandidates == 0 {
		c.Lifecycle.MaxCandidates = 3
	}
}

func (c *Config) validate() error {
	var problems []string
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level))
	}
	if c.Scoring.CriticalUserFraction <= c.Scoring.MajorUserFraction {
		problems = append(problems, "scoring.critical_user_fraction must exceed major_user_fraction")
	}
	if c.Scoring.MajorUserFraction <= c.Scoring.ModerateUserFraction {
		problems = append(problems, "scoring.major_user_fraction must exceed moderate_user_fraction")
	}
	for cat := range c.Scoring.CategoryRisk {
		if domain.ParseCategory(cat) == domain.CategoryUnknown && cat != string(domain.CategoryUnknown) {
			problems = append(problems, fmt.Sprintf("scoring.category_risk has unknown category %q", cat))
		}
	}
	if c.Breaker.WindowFailureRate <= 0 || c.Breaker.WindowFailureRate > 1 {
		problems = append(problems, "circuit_breaker.window_failure_rate must be in (0, 1]")
	}
	if c.Verification.MinPassRate <= 0 || c.Verification.MinPassRate > 1 {
		problems = append(problems, "verification.min_pass_rate must be in (0, 1]")
	}
	for _, cat := range c.Policy.PreApprovedCategories {
		if domain.ParseCategory(cat) == domain.CategoryUnknown && cat != string(domain.CategoryUnknown) {
			problems = append(problems, fmt.Sprintf("policy.pre_approved_categories has unknown category %q", cat))
		}
	}
	for i, w := range c.Policy.MaintenanceWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			problems = append(problems, fmt.Sprintf("policy.maintenance_windows[%d] hours must be 0-23", i))
		}
	}
	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
	}
	return nil
}

// ScoringLib converts the YAML section into the scoring library's config.
func (c *Config) ScoringLib() scoring.Config {
	risk := make(map[domain.Category]int, len(c.Scoring.CategoryRisk))
	for cat, v := range c.Scoring.CategoryRisk {
		risk[domain.ParseCategory(cat)] = v
	}
	if len(risk) == 0 {
		risk = scoring.DefaultCategoryRisk
	}
	return scoring.Config{
		TotalUsers:           c.Scoring.TotalUsers,
		TotalServices:        c.Scoring.TotalServices,
		TotalInstances:       c.Scoring.TotalInstances,
		RevenueBase:          c.Scoring.RevenueBase,
		CriticalUserFraction: c.Scoring.CriticalUserFraction,
		MajorUserFraction:    c.Scoring.MajorUserFraction,
		ModerateUserFraction: c.Scoring.ModerateUserFraction,
		SustainedOccurrences: c.Scoring.SustainedOccurrences,
		SustainedDuration:    time.Duration(c.Scoring.SustainedDurationSec) * time.Second,
		CategoryRisk:         risk,
	}
}

// BreakerLib converts the YAML section into the breaker registry's config.
func (c *Config) BreakerLib() safety.BreakerConfig {
	return safety.BreakerConfig{
		FailureStreak:     c.Breaker.FailureStreak,
		WindowSize:        c.Breaker.WindowSize,
		WindowFailureRate: c.Breaker.WindowFailureRate,
		Cooldown:          time.Duration(c.Breaker.CooldownSec) * time.Second,
	}
}

// GatePolicy converts the policy section into the safety gate's policy.
func (c *Config) GatePolicy() safety.GatePolicy {
	pre := make(map[domain.Category]bool, len(c.Policy.PreApprovedCategories))
	for _, cat := range c.Policy.PreApprovedCategories {
		pre[domain.ParseCategory(cat)] = true
	}
	windows := make([]safety.MaintenanceWindow, len(c.Policy.MaintenanceWindows))
	for i, w := range c.Policy.MaintenanceWindows {
		windows[i] = safety.MaintenanceWindow{StartHour: w.StartHour, EndHour: w.EndHour}
	}
	return safety.GatePolicy{
		PreApprovedCategories: pre,
		MaintenanceWindows:    windows,
	}
}

// ExecutionLib converts the execution section into the coordinator's config.
func (c *Config) ExecutionLib() remediation.Config {
	return remediation.Config{
		StageWait:           time.Duration(c.Execution.StageWaitSec) * time.Second,
		AbortErrorRateDelta: c.Execution.AbortErrorRateDelta,
	}
}

// VerificationLib converts the verification section into the engine's config.
func (c *Config) VerificationLib() verification.Config {
	return verification.Config{
		ImmediateDelay:  time.Duration(c.Verification.ImmediateDelaySec) * time.Second,
		ShortTermWindow: time.Duration(c.Verification.ShortTermWindowSec) * time.Second,
		SampleInterval:  time.Duration(c.Verification.SampleIntervalSec) * time.Second,
		StabilityWindow: time.Duration(c.Verification.StabilityWindowSec) * time.Second,
		WorseningDelta:  c.Verification.WorseningDelta,
		MinPassRate:     c.Verification.MinPassRate,
	}
}

// DedupWindow returns the ingest dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowSec) * time.Second
}

// ConflictRetry returns the backoff before retrying a lock conflict.
func (c *Config) ConflictRetry() time.Duration {
	return time.Duration(c.Lifecycle.ConflictRetrySec) * time.Second
}
