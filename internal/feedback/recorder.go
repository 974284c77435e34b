// Package feedback closes the loop: execution outcomes update playbook
// metrics so the selector learns which remediations actually work.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/store"
)

// Recorder atomically applies an execution outcome to the playbook's
// metrics and appends an immutable outcome record. Both writes land in
// one transaction: the metrics a selector reads always agree with the
// outcome log.
type Recorder struct {
	DB       *sql.DB
	Metrics  *store.MetricsRepo
	Outcomes *store.OutcomeRepo
	Logger   *slog.Logger

	now func() time.Time
}

// NewRecorder wires a Recorder.
func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		DB:       db,
		Metrics:  &store.MetricsRepo{},
		Outcomes: &store.OutcomeRepo{},
		Logger:   logger,
		now:      time.Now,
	}
}

// Record applies the outcome of a finished execution. recommendation may
// be empty when verification never ran (failed or cancelled executions).
func (r *Recorder) Record(ctx context.Context, exec *domain.PlaybookExecution, recommendation domain.Recommendation) error {
	durationMs := (exec.EndedAtUnix - exec.StartedAtUnix) * 1000
	if durationMs < 0 {
		durationMs = 0
	}
	now := r.now().Unix()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feedback tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.Metrics.ApplyOutcomeTx(ctx, tx, exec.PlaybookID, exec.Outcome, durationMs, now); err != nil {
		return err
	}
	if err := r.Outcomes.AppendTx(ctx, tx, store.OutcomeRecord{
		IncidentID:     exec.IncidentID,
		ExecutionID:    exec.ID,
		PlaybookID:     exec.PlaybookID,
		Outcome:        exec.Outcome,
		Recommendation: recommendation,
		DurationMs:     durationMs,
		RecordedAtUnix: now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feedback tx: %w", err)
	}

	r.Logger.Info("outcome recorded",
		"execution_id", exec.ID, "playbook_id", exec.PlaybookID,
		"outcome", string(exec.Outcome), "recommendation", string(recommendation))
	return nil
}
