package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// EscalationRepo handles persistence for EscalationRecord records.
// At most one escalation record exists per incident; repeat escalations
// append notes to the existing record.
type EscalationRepo struct{}

// Create inserts a new escalation record.
func (r *EscalationRepo) Create(ctx context.Context, db *sql.DB, rec domain.EscalationRecord) error {
	notesJSON, err := json.Marshal(rec.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}

	const q = `INSERT INTO escalations (escalation_id, incident_id, reason, severity, level, notes_json, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		rec.ID,
		rec.IncidentID,
		rec.Reason,
		int(rec.Severity),
		rec.Level,
		string(notesJSON),
		rec.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// GetByIncident returns the escalation record for an incident, or nil
// when none exists. Absence is not an error.
func (r *EscalationRepo) GetByIncident(ctx context.Context, db *sql.DB, incidentID string) (*domain.EscalationRecord, error) {
	const q = `SELECT escalation_id, incident_id, reason, severity, level, notes_json, created_at_unix
FROM escalations WHERE incident_id = ?`

	var rec domain.EscalationRecord
	var severity int
	var notesJSON string
	err := db.QueryRowContext(ctx, q, incidentID).Scan(
		&rec.ID, &rec.IncidentID, &rec.Reason, &severity, &rec.Level, &notesJSON, &rec.CreatedAtUnix,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	rec.Severity = domain.Severity(severity)
	if err := json.Unmarshal([]byte(notesJSON), &rec.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	return &rec, nil
}

// UpdateLevel raises the level and severity recorded for an incident's
// escalation.
func (r *EscalationRepo) UpdateLevel(ctx context.Context, db *sql.DB, incidentID string, level int, sev domain.Severity) error {
	const q = `UPDATE escalations SET level = ?, severity = ? WHERE incident_id = ?`
	res, err := db.ExecContext(ctx, q, level, int(sev), incidentID)
	if err != nil {
		return fmt.Errorf("update escalation level: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotEscalated
	}
	return nil
}

// AppendNote adds an audit note to an existing escalation record.
func (r *EscalationRepo) AppendNote(ctx context.Context, db *sql.DB, incidentID, note string) error {
	rec, err := r.GetByIncident(ctx, db, incidentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return domain.ErrNotEscalated
	}
	rec.Notes = append(rec.Notes, note)

	notesJSON, err := json.Marshal(rec.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}
	const q = `UPDATE escalations SET notes_json = ? WHERE incident_id = ?`
	if _, err := db.ExecContext(ctx, q, string(notesJSON), incidentID); err != nil {
		return fmt.Errorf("append escalation note: %w", err)
	}
	return nil
}
