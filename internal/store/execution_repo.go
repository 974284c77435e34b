package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// ExecutionRepo handles persistence for PlaybookExecution records.
type ExecutionRepo struct{}

// Create inserts a new execution record.
func (r *ExecutionRepo) Create(ctx context.Context, db *sql.DB, exec domain.PlaybookExecution) error {
	stepsJSON, err := json.Marshal(exec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	const q = `INSERT INTO executions (execution_id, incident_id, playbook_id, playbook_version, started_at_unix, ended_at_unix, step_results_json, outcome, failure_reason, verification_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		exec.ID,
		exec.IncidentID,
		exec.PlaybookID,
		exec.PlaybookVersion,
		exec.StartedAtUnix,
		exec.EndedAtUnix,
		string(stepsJSON),
		string(exec.Outcome),
		exec.FailureReason,
		exec.VerificationResultID,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an execution record.
func (r *ExecutionRepo) Update(ctx context.Context, db *sql.DB, exec domain.PlaybookExecution) error {
	stepsJSON, err := json.Marshal(exec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	const q = `UPDATE executions SET
		ended_at_unix = ?,
		step_results_json = ?,
		outcome = ?,
		failure_reason = ?,
		verification_id = ?
	WHERE execution_id = ?`
	_, err = db.ExecContext(ctx, q,
		exec.EndedAtUnix,
		string(stepsJSON),
		string(exec.Outcome),
		exec.FailureReason,
		exec.VerificationResultID,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// GetByID retrieves an execution by its ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, db *sql.DB, executionID string) (*domain.PlaybookExecution, error) {
	const q = `SELECT execution_id, incident_id, playbook_id, playbook_version, started_at_unix, ended_at_unix, step_results_json, outcome, failure_reason, verification_id
FROM executions WHERE execution_id = ?`

	var exec domain.PlaybookExecution
	var stepsJSON, outcome string
	err := db.QueryRowContext(ctx, q, executionID).Scan(
		&exec.ID, &exec.IncidentID, &exec.PlaybookID, &exec.PlaybookVersion,
		&exec.StartedAtUnix, &exec.EndedAtUnix, &stepsJSON, &outcome,
		&exec.FailureReason, &exec.VerificationResultID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewEngineError(domain.ErrStoreQuery.Code, "execution not found: "+executionID)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	exec.Outcome = domain.ExecutionOutcome(outcome)
	if err := json.Unmarshal([]byte(stepsJSON), &exec.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	return &exec, nil
}

// ListByIncident returns all executions for an incident, oldest first.
func (r *ExecutionRepo) ListByIncident(ctx context.Context, db *sql.DB, incidentID string) ([]domain.PlaybookExecution, error) {
	const q = `SELECT execution_id, incident_id, playbook_id, playbook_version, started_at_unix, ended_at_unix, step_results_json, outcome, failure_reason, verification_id
FROM executions WHERE incident_id = ? ORDER BY started_at_unix ASC`

	rows, err := db.QueryContext(ctx, q, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.PlaybookExecution
	for rows.Next() {
		var exec domain.PlaybookExecution
		var stepsJSON, outcome string
		if err := rows.Scan(
			&exec.ID, &exec.IncidentID, &exec.PlaybookID, &exec.PlaybookVersion,
			&exec.StartedAtUnix, &exec.EndedAtUnix, &stepsJSON, &outcome,
			&exec.FailureReason, &exec.VerificationResultID,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Outcome = domain.ExecutionOutcome(outcome)
		if err := json.Unmarshal([]byte(stepsJSON), &exec.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
