// Package catalog stores versioned remediation playbooks and selects
// ranked candidates for an incident.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

// Catalog is the indexed, versioned playbook store. Playbook definitions
// are append-only; only their metrics change over time.
type Catalog struct {
	DB        *sql.DB
	Playbooks *store.PlaybookRepo
	Metrics   *store.MetricsRepo
	Logger    *slog.Logger

	now func() time.Time
}

// New creates a Catalog over the given database.
func New(db *sql.DB, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		DB:        db,
		Playbooks: &store.PlaybookRepo{},
		Metrics:   &store.MetricsRepo{},
		Logger:    logger,
		now:       time.Now,
	}
}

// Add validates and appends a new playbook version.
func (c *Catalog) Add(ctx context.Context, pb domain.Playbook) error {
	if err := validate(pb); err != nil {
		return err
	}
	if pb.CreatedAtUnix == 0 {
		pb.CreatedAtUnix = c.now().Unix()
	}
	if err := c.Playbooks.Create(ctx, c.DB, pb); err != nil {
		return err
	}
	c.Logger.Info("playbook registered",
		"playbook_id", pb.ID, "version", pb.Version, "category", string(pb.Category))
	return nil
}

// Get returns the latest version of a playbook.
func (c *Catalog) Get(ctx context.Context, playbookID string) (*domain.Playbook, error) {
	return c.Playbooks.GetLatest(ctx, c.DB, playbookID)
}

// List returns the latest version of every playbook.
func (c *Catalog) List(ctx context.Context) ([]domain.Playbook, error) {
	return c.Playbooks.ListAll(ctx, c.DB)
}

// MetricsFor returns the execution metrics for a playbook id.
func (c *Catalog) MetricsFor(ctx context.Context, playbookID string) (domain.PlaybookMetrics, error) {
	return c.Metrics.Get(ctx, c.DB, playbookID)
}

// CategoryHistory returns the aggregate success rate and sample count for a
// category, feeding the risk score's historical component.
func (c *Catalog) CategoryHistory(ctx context.Context, category domain.Category) (float64, int, error) {
	return c.Metrics.CategorySuccessRate(ctx, c.DB, category)
}

func validate(pb domain.Playbook) error {
	var problems []string
	if pb.ID == "" {
		problems = append(problems, "id is required")
	}
	if pb.Version < 1 {
		problems = append(problems, "version must be >= 1")
	}
	if len(pb.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	if len(pb.ApplicableBlastRadii) == 0 {
		problems = append(problems, "at least one applicable blast radius is required")
	}
	for i, s := range pb.Steps {
		if s.ActionRef == "" {
			problems = append(problems, fmt.Sprintf("step %d has no action_ref", i))
		}
		if s.TimeoutSec <= 0 {
			problems = append(problems, fmt.Sprintf("step %d has no timeout", i))
		}
	}
	for i, s := range pb.RollbackSteps {
		if s.ActionRef == "" {
			problems = append(problems, fmt.Sprintf("rollback step %d has no action_ref", i))
		}
	}
	for _, r := range pb.ApplicableBlastRadii {
		if r > pb.Safety.BlastRadiusCeiling {
			problems = append(problems, fmt.Sprintf("radius %s exceeds safety ceiling %s", r, pb.Safety.BlastRadiusCeiling))
		}
	}
	if len(problems) > 0 {
		return domain.NewEngineError(
			domain.ErrPlaybookInvalid.Code,
			fmt.Sprintf("%s: %v", domain.ErrPlaybookInvalid.Message, problems),
		)
	}
	return nil
}

// IsVersionConflict reports whether err is the unique-constraint failure
// from appending an existing (id, version) pair.
func IsVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrVersionConflict) {
		return true
	}
	// modernc sqlite surfaces constraint violations as plain errors;
	// match on the constraint text.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") && strings.Contains(msg, "playbooks")
}
