package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// IncidentRepo handles persistence for Incident records.
type IncidentRepo struct{}

// CreateTx inserts a new incident within an existing transaction.
func (r *IncidentRepo) CreateTx(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	resourcesJSON, err := json.Marshal(inc.AffectedResources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	impactJSON, err := json.Marshal(inc.Impact)
	if err != nil {
		return fmt.Errorf("marshal impact: %w", err)
	}

	const q = `INSERT INTO incidents (incident_id, category, severity, risk_score, blast_radius, state, resources_json, impact_json, trend, occurrences, selected_playbook, execution_id, state_version, last_event_seq, created_at_unix, updated_at_unix, closed_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		inc.ID,
		string(inc.Category),
		int(inc.Severity),
		inc.RiskScore,
		inc.BlastRadius.String(),
		string(inc.State),
		string(resourcesJSON),
		string(impactJSON),
		string(inc.Trend),
		inc.Occurrences,
		inc.SelectedPlaybookID,
		inc.ExecutionID,
		inc.StateVersion,
		inc.LastEventSeq,
		inc.CreatedAtUnix,
		inc.UpdatedAtUnix,
		inc.ClosedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// UpdateTx updates an incident within a transaction using optimistic locking.
// The update only succeeds if the stored state_version matches the version
// the caller loaded.
func (r *IncidentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	resourcesJSON, err := json.Marshal(inc.AffectedResources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	impactJSON, err := json.Marshal(inc.Impact)
	if err != nil {
		return fmt.Errorf("marshal impact: %w", err)
	}

	const q = `UPDATE incidents SET
		category = ?,
		severity = ?,
		risk_score = ?,
		blast_radius = ?,
		state = ?,
		resources_json = ?,
		impact_json = ?,
		trend = ?,
		occurrences = ?,
		selected_playbook = ?,
		execution_id = ?,
		state_version = state_version + 1,
		last_event_seq = ?,
		updated_at_unix = ?,
		closed_at_unix = ?
	WHERE incident_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(inc.Category),
		int(inc.Severity),
		inc.RiskScore,
		inc.BlastRadius.String(),
		string(inc.State),
		string(resourcesJSON),
		string(impactJSON),
		string(inc.Trend),
		inc.Occurrences,
		inc.SelectedPlaybookID,
		inc.ExecutionID,
		inc.LastEventSeq,
		inc.UpdatedAtUnix,
		inc.ClosedAtUnix,
		inc.ID,
		inc.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// GetByID retrieves an incident by its ID.
func (r *IncidentRepo) GetByID(ctx context.Context, db *sql.DB, incidentID string) (*domain.Incident, error) {
	const q = `SELECT incident_id, category, severity, risk_score, blast_radius, state, resources_json, impact_json, trend, occurrences, selected_playbook, execution_id, state_version, last_event_seq, created_at_unix, updated_at_unix, closed_at_unix
FROM incidents WHERE incident_id = ?`

	return scanIncident(db.QueryRowContext(ctx, q, incidentID))
}

// ListOpenByCategory returns non-terminal incidents for a category, newest first.
// Escalated incidents are excluded: new overlapping events open new incidents
// once their predecessor has been handed to a human.
func (r *IncidentRepo) ListOpenByCategory(ctx context.Context, db *sql.DB, category domain.Category) ([]domain.Incident, error) {
	const q = `SELECT incident_id, category, severity, risk_score, blast_radius, state, resources_json, impact_json, trend, occurrences, selected_playbook, execution_id, state_version, last_event_seq, created_at_unix, updated_at_unix, closed_at_unix
FROM incidents
WHERE category = ? AND state NOT IN ('closed', 'rolled_back', 'escalated')
ORDER BY created_at_unix DESC`

	rows, err := db.QueryContext(ctx, q, string(category))
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var inc domain.Incident
	var category, radius, state, trend string
	var severity int
	var resourcesJSON, impactJSON string

	err := row.Scan(
		&inc.ID, &category, &severity, &inc.RiskScore, &radius, &state,
		&resourcesJSON, &impactJSON, &trend, &inc.Occurrences,
		&inc.SelectedPlaybookID, &inc.ExecutionID,
		&inc.StateVersion, &inc.LastEventSeq,
		&inc.CreatedAtUnix, &inc.UpdatedAtUnix, &inc.ClosedAtUnix,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	inc.Category = domain.Category(category)
	inc.Severity = domain.Severity(severity)
	inc.State = domain.IncidentState(state)
	inc.Trend = domain.Trend(trend)
	if parsed, ok := domain.ParseBlastRadius(radius); ok {
		inc.BlastRadius = parsed
	}
	if err := json.Unmarshal([]byte(resourcesJSON), &inc.AffectedResources); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}
	if err := json.Unmarshal([]byte(impactJSON), &inc.Impact); err != nil {
		return nil, fmt.Errorf("unmarshal impact: %w", err)
	}
	return &inc, nil
}
