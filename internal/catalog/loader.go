package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opsloop/selfheal/internal/domain"
)

// pack is the on-disk YAML form of a playbook bundle. Operators ship
// packs as files; the loader folds them into the catalog at startup.
type pack struct {
	Playbooks []packPlaybook `yaml:"playbooks"`
}

type packPlaybook struct {
	ID            string     `yaml:"id"`
	Version       int        `yaml:"version"`
	Category      string     `yaml:"category"`
	BlastRadii    []string   `yaml:"applicable_blast_radii"`
	Progressive   bool       `yaml:"progressive"`
	Preconditions []packStep `yaml:"preconditions"`
	Steps         []packStep `yaml:"steps"`
	Rollback      []packStep `yaml:"rollback_steps"`
	Verify        packVerify `yaml:"verification"`
	Safety        packSafety `yaml:"safety"`
}

type packStep struct {
	ActionRef        string            `yaml:"action_ref"`
	Params           map[string]string `yaml:"params"`
	TimeoutSec       int               `yaml:"timeout_sec"`
	ExpectedRecovery string            `yaml:"expected_recovery"`
}

type packVerify struct {
	ImmediateChecks   []packCheck `yaml:"immediate_checks"`
	SmokeChecks       []packCheck `yaml:"smoke_checks"`
	BaselineTolerance float64     `yaml:"baseline_tolerance"`
}

type packCheck struct {
	Name       string `yaml:"name"`
	ActionRef  string `yaml:"action_ref"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type packSafety struct {
	MaxRetries         int    `yaml:"max_retries"`
	BlastRadiusCeiling string `yaml:"blast_radius_ceiling"`
	RequiresApproval   bool   `yaml:"requires_approval"`
}

// LoadPackFile parses a single pack file and registers every playbook
// version it defines. Versions already present in the catalog are
// skipped, so reloading a pack is idempotent.
func (c *Catalog) LoadPackFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read playbook pack %s: %w", path, err)
	}
	var p pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("parse playbook pack %s: %w", path, err)
	}
	loaded := 0
	for _, ppb := range p.Playbooks {
		pb, err := ppb.toDomain()
		if err != nil {
			return loaded, fmt.Errorf("pack %s playbook %s: %w", path, ppb.ID, err)
		}
		err = c.Add(ctx, pb)
		switch {
		case err == nil:
			loaded++
		case IsVersionConflict(err):
			c.Logger.Debug("playbook version already loaded",
				"playbook_id", pb.ID, "version", pb.Version)
		default:
			return loaded, err
		}
	}
	return loaded, nil
}

// LoadPackDir loads every *.yaml and *.yml file in dir, in name order.
func (c *Catalog) LoadPackDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read playbook dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	total := 0
	for _, name := range names {
		n, err := c.LoadPackFile(ctx, filepath.Join(dir, name))
		total += n
		if err != nil {
			return total, err
		}
	}
	c.Logger.Info("playbook packs loaded", "dir", dir, "playbooks", total)
	return total, nil
}

func (p packPlaybook) toDomain() (domain.Playbook, error) {
	radii := make([]domain.BlastRadius, 0, len(p.BlastRadii))
	for _, r := range p.BlastRadii {
		br, ok := domain.ParseBlastRadius(r)
		if !ok {
			return domain.Playbook{}, fmt.Errorf("unknown blast radius %q", r)
		}
		radii = append(radii, br)
	}
	ceiling := domain.RadiusSingleService
	if p.Safety.BlastRadiusCeiling != "" {
		var ok bool
		ceiling, ok = domain.ParseBlastRadius(p.Safety.BlastRadiusCeiling)
		if !ok {
			return domain.Playbook{}, fmt.Errorf("unknown blast radius ceiling %q", p.Safety.BlastRadiusCeiling)
		}
	}
	pb := domain.Playbook{
		ID:                   p.ID,
		Version:              p.Version,
		Category:             domain.ParseCategory(p.Category),
		ApplicableBlastRadii: radii,
		Progressive:          p.Progressive,
		Preconditions:        toSteps(p.Preconditions),
		Steps:                toSteps(p.Steps),
		RollbackSteps:        toSteps(p.Rollback),
		Verification: domain.VerificationSpec{
			ImmediateChecks:   toChecks(p.Verify.ImmediateChecks),
			SmokeChecks:       toChecks(p.Verify.SmokeChecks),
			BaselineTolerance: p.Verify.BaselineTolerance,
		},
		Safety: domain.SafetySpec{
			MaxRetries:         p.Safety.MaxRetries,
			BlastRadiusCeiling: ceiling,
			RequiresApproval:   p.Safety.RequiresApproval,
		},
	}
	return pb, nil
}

func toSteps(in []packStep) []domain.Step {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Step, len(in))
	for i, s := range in {
		out[i] = domain.Step{
			ActionRef:        s.ActionRef,
			Params:           s.Params,
			TimeoutSec:       s.TimeoutSec,
			ExpectedRecovery: s.ExpectedRecovery,
		}
	}
	return out
}

func toChecks(in []packCheck) []domain.Check {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Check, len(in))
	for i, c := range in {
		out[i] = domain.Check{
			Name:       c.Name,
			ActionRef:  c.ActionRef,
			TimeoutSec: c.TimeoutSec,
		}
	}
	return out
}
