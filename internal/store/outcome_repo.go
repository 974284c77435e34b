package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// OutcomeRecord is one immutable remediation outcome, appended by the
// feedback store at execution close. Downstream pattern extraction reads
// these in batch; the engine itself never updates them.
type OutcomeRecord struct {
	ID             int64
	IncidentID     string
	ExecutionID    string
	PlaybookID     string
	Outcome        domain.ExecutionOutcome
	Recommendation domain.Recommendation
	DurationMs     int64
	RecordedAtUnix int64
}

// OutcomeRepo handles the append-only remediation outcome log.
type OutcomeRepo struct{}

// AppendTx inserts an outcome record within an existing transaction.
func (r *OutcomeRepo) AppendTx(ctx context.Context, tx *sql.Tx, rec OutcomeRecord) error {
	const q = `INSERT INTO remediation_outcomes (incident_id, execution_id, playbook_id, outcome, recommendation, duration_ms, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		rec.IncidentID,
		rec.ExecutionID,
		rec.PlaybookID,
		string(rec.Outcome),
		string(rec.Recommendation),
		rec.DurationMs,
		rec.RecordedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// ListByPlaybook returns outcome records for a playbook, oldest first.
func (r *OutcomeRepo) ListByPlaybook(ctx context.Context, db *sql.DB, playbookID string) ([]OutcomeRecord, error) {
	const q = `SELECT id, incident_id, execution_id, playbook_id, outcome, recommendation, duration_ms, recorded_at
FROM remediation_outcomes WHERE playbook_id = ? ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, playbookID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var outcome, recommendation string
		if err := rows.Scan(
			&rec.ID, &rec.IncidentID, &rec.ExecutionID, &rec.PlaybookID,
			&outcome, &recommendation, &rec.DurationMs, &rec.RecordedAtUnix,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Outcome = domain.ExecutionOutcome(outcome)
		rec.Recommendation = domain.Recommendation(recommendation)
		out = append(out, rec)
	}
	return out, rows.Err()
}
