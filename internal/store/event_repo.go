package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// EventRepo handles the per-incident ordered event log. The log is the
// incident's audit trail: every state transition and decision is appended
// here before the incident record itself changes.
type EventRepo struct{}

// AppendTx inserts an incident event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.IncidentEvent) error {
	const q = `INSERT INTO incident_events (incident_id, seq_no, state, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.IncidentID,
		event.SeqNo,
		string(event.State),
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append incident event: %w", err)
	}
	return nil
}

// ListByIncident returns events with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListByIncident(ctx context.Context, db *sql.DB, incidentID string, sinceSeq int64) ([]domain.IncidentEvent, error) {
	const q = `SELECT id, incident_id, seq_no, state, event_type, payload_json, created_at
FROM incident_events
WHERE incident_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, incidentID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list incident events: %w", err)
	}
	defer rows.Close()

	var events []domain.IncidentEvent
	for rows.Next() {
		var e domain.IncidentEvent
		var state string
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.SeqNo, &state, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident event: %w", err)
		}
		e.State = domain.IncidentState(state)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AnomalyRepo handles persistence for raw AnomalyEvent records attached to
// incidents. Events are immutable once written.
type AnomalyRepo struct{}

// AppendTx inserts an anomaly event within an existing transaction.
func (r *AnomalyRepo) AppendTx(ctx context.Context, tx *sql.Tx, incidentID string, ev domain.AnomalyEvent) error {
	resourcesJSON, err := json.Marshal(ev.AffectedResources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	impactJSON, err := json.Marshal(ev.Impact)
	if err != nil {
		return fmt.Errorf("marshal impact: %w", err)
	}

	const q = `INSERT INTO anomaly_events (event_id, incident_id, source, category, resources_json, impact_json, trend, occurrences, detected_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		ev.ID,
		incidentID,
		ev.Source,
		string(ev.Category),
		string(resourcesJSON),
		string(impactJSON),
		string(ev.Trend),
		ev.HistoricalOccurrences,
		ev.DetectedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("append anomaly event: %w", err)
	}
	return nil
}

// CountByIncident returns the number of anomaly events attached to an incident.
func (r *AnomalyRepo) CountByIncident(ctx context.Context, db *sql.DB, incidentID string) (int, error) {
	const q = `SELECT COUNT(*) FROM anomaly_events WHERE incident_id = ?`
	var n int
	if err := db.QueryRowContext(ctx, q, incidentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count anomaly events: %w", err)
	}
	return n, nil
}
