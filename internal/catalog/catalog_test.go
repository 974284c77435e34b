package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(db, logger)
}

func testPlaybook(id string, version int) domain.Playbook {
	return domain.Playbook{
		ID:                   id,
		Version:              version,
		Category:             domain.CategoryResourceExhaustion,
		ApplicableBlastRadii: []domain.BlastRadius{domain.RadiusSingleInstance, domain.RadiusSingleService},
		Steps: []domain.Step{
			{ActionRef: "restart-service", TimeoutSec: 60},
		},
		RollbackSteps: []domain.Step{
			{ActionRef: "restore-previous", TimeoutSec: 60},
		},
		Verification: domain.VerificationSpec{
			ImmediateChecks:   []domain.Check{{Name: "process-up", ActionRef: "check-process", TimeoutSec: 10}},
			BaselineTolerance: 0.1,
		},
		Safety: domain.SafetySpec{
			MaxRetries:         1,
			BlastRadiusCeiling: domain.RadiusSingleService,
		},
	}
}

func TestCatalog_AddAndGet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Add(ctx, testPlaybook("pb-restart", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := c.Get(ctx, "pb-restart")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Category != domain.CategoryResourceExhaustion {
		t.Errorf("got version=%d category=%s", got.Version, got.Category)
	}
}

func TestCatalog_AddRejectsInvalid(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.Playbook)
	}{
		{"missing id", func(pb *domain.Playbook) { pb.ID = "" }},
		{"zero version", func(pb *domain.Playbook) { pb.Version = 0 }},
		{"no steps", func(pb *domain.Playbook) { pb.Steps = nil }},
		{"no radii", func(pb *domain.Playbook) { pb.ApplicableBlastRadii = nil }},
		{"step without timeout", func(pb *domain.Playbook) { pb.Steps[0].TimeoutSec = 0 }},
		{"radius above ceiling", func(pb *domain.Playbook) {
			pb.ApplicableBlastRadii = append(pb.ApplicableBlastRadii, domain.RadiusClusterWide)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pb := testPlaybook("pb-bad", 1)
			tc.mutate(&pb)
			err := c.Add(ctx, pb)
			if !errors.Is(err, domain.ErrPlaybookInvalid) {
				t.Errorf("want ErrPlaybookInvalid, got %v", err)
			}
		})
	}
}

func TestCatalog_VersionConflict(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Add(ctx, testPlaybook("pb-restart", 1)); err != nil {
		t.Fatalf("add v1: %v", err)
	}
	err := c.Add(ctx, testPlaybook("pb-restart", 1))
	if err == nil || !IsVersionConflict(err) {
		t.Fatalf("want version conflict, got %v", err)
	}
	// A new version is fine.
	if err := c.Add(ctx, testPlaybook("pb-restart", 2)); err != nil {
		t.Fatalf("add v2: %v", err)
	}
}

const packYAML = `
playbooks:
  - id: pb-restart
    version: 1
    category: resource-exhaustion
    applicable_blast_radii: [single_instance, single_service]
    preconditions:
      - action_ref: check-disk-space
        timeout_sec: 10
    steps:
      - action_ref: restart-service
        params:
          grace_period: "30s"
        timeout_sec: 60
        expected_recovery: process restarted and serving
    rollback_steps:
      - action_ref: restore-previous
        timeout_sec: 60
    verification:
      immediate_checks:
        - name: process-up
          action_ref: check-process
          timeout_sec: 10
      smoke_checks:
        - name: http-ok
          action_ref: check-http
          timeout_sec: 15
      baseline_tolerance: 0.1
    safety:
      max_retries: 1
      blast_radius_ceiling: single_service
  - id: pb-scale-out
    version: 1
    category: resource-exhaustion
    applicable_blast_radii: [single_service]
    progressive: true
    steps:
      - action_ref: add-replicas
        timeout_sec: 120
    rollback_steps:
      - action_ref: remove-replicas
        timeout_sec: 120
    safety:
      max_retries: 0
      blast_radius_ceiling: single_service
      requires_approval: true
`

func TestCatalog_LoadPackFile(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := c.LoadPackFile(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d playbooks, want 2", n)
	}

	pb, err := c.Get(ctx, "pb-restart")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pb.Preconditions) != 1 || pb.Preconditions[0].ActionRef != "check-disk-space" {
		t.Errorf("preconditions not loaded: %+v", pb.Preconditions)
	}
	if pb.Steps[0].Params["grace_period"] != "30s" {
		t.Errorf("step params not loaded: %+v", pb.Steps[0])
	}
	if len(pb.Verification.SmokeChecks) != 1 || pb.Verification.SmokeChecks[0].ActionRef != "check-http" {
		t.Errorf("smoke checks not loaded: %+v", pb.Verification)
	}
	if pb.Safety.BlastRadiusCeiling != domain.RadiusSingleService {
		t.Errorf("ceiling = %s", pb.Safety.BlastRadiusCeiling)
	}

	scale, err := c.Get(ctx, "pb-scale-out")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !scale.Progressive || !scale.Safety.RequiresApproval {
		t.Errorf("flags not loaded: progressive=%v approval=%v", scale.Progressive, scale.Safety.RequiresApproval)
	}

	// Reloading the same pack is a no-op, not an error.
	n, err = c.LoadPackFile(ctx, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n != 0 {
		t.Errorf("reload registered %d playbooks, want 0", n)
	}
}

func TestCatalog_LoadPackDir(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "core.yaml"), []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := c.LoadPackDir(ctx, dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d, want 2", n)
	}
}

func TestCatalog_LoadPackRejectsBadRadius(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	bad := `
playbooks:
  - id: pb-bad
    version: 1
    category: network
    applicable_blast_radii: [galaxy_wide]
    steps:
      - action_ref: noop
        timeout_sec: 5
`
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadPackFile(ctx, path); err == nil {
		t.Fatal("want error for unknown blast radius")
	}
}
