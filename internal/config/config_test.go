package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Breaker.FailureStreak != 3 || cfg.Breaker.CooldownSec != 3600 {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.DedupWindow() != 5*time.Minute {
		t.Errorf("dedup window = %s", cfg.DedupWindow())
	}
	if cfg.Verification.MinPassRate != 0.9 {
		t.Errorf("min_pass_rate = %v", cfg.Verification.MinPassRate)
	}
	if cfg.Execution.ActionsDir != "actions" {
		t.Errorf("actions_dir = %s", cfg.Execution.ActionsDir)
	}
	if cfg.Scoring.SustainedDurationSec != 900 {
		t.Errorf("sustained_duration_sec = %d", cfg.Scoring.SustainedDurationSec)
	}
}

func TestLoad_OverridesAndConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_addr: ":9000"
scoring:
  total_users: 50000
  category_risk:
    network: 18
circuit_breaker:
  failure_streak: 5
  cooldown_sec: 600
policy:
  pre_approved_categories: [configuration]
  maintenance_windows:
    - start_hour: 22
      end_hour: 4
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
	}

	sc := cfg.ScoringLib()
	if sc.TotalUsers != 50000 || sc.CategoryRisk[domain.CategoryNetwork] != 18 {
		t.Errorf("scoring = %+v", sc)
	}

	bc := cfg.BreakerLib()
	if bc.FailureStreak != 5 || bc.Cooldown != 10*time.Minute {
		t.Errorf("breaker = %+v", bc)
	}

	gp := cfg.GatePolicy()
	if !gp.PreApprovedCategories[domain.CategoryConfiguration] {
		t.Error("configuration not pre-approved")
	}
	if len(gp.MaintenanceWindows) != 1 || gp.MaintenanceWindows[0].StartHour != 22 {
		t.Errorf("windows = %+v", gp.MaintenanceWindows)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad log level", "logging:\n  level: verbose\n"},
		{"inverted fractions", "scoring:\n  critical_user_fraction: 0.01\n  major_user_fraction: 0.1\n"},
		{"unknown risk category", "scoring:\n  category_risk:\n    gremlins: 10\n"},
		{"unknown pre-approved category", "policy:\n  pre_approved_categories: [gremlins]\n"},
		{"window hour out of range", "policy:\n  maintenance_windows:\n    - start_hour: 25\n      end_hour: 4\n"},
		{"failure rate above one", "circuit_breaker:\n  window_failure_rate: 1.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if !errors.Is(err, domain.ErrConfigInvalid) {
				t.Errorf("want ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
