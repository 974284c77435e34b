package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// VerificationRepo handles persistence for VerificationResult records.
// One row is written per verification phase: the full phase history of an
// execution is part of its audit trail.
type VerificationRepo struct{}

// Create inserts a verification result.
func (r *VerificationRepo) Create(ctx context.Context, db *sql.DB, vr domain.VerificationResult) error {
	snapshotJSON, err := json.Marshal(vr.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	baselineJSON, err := json.Marshal(vr.BaselineComparison)
	if err != nil {
		return fmt.Errorf("marshal baseline comparison: %w", err)
	}

	const q = `INSERT INTO verification_results (result_id, execution_id, phase, passed, snapshot_json, baseline_json, pass_rate, recommendation, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		vr.ID,
		vr.ExecutionID,
		string(vr.Phase),
		boolToInt(vr.Passed),
		string(snapshotJSON),
		string(baselineJSON),
		vr.PassRate,
		string(vr.Recommendation),
		vr.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create verification result: %w", err)
	}
	return nil
}

// ListByExecution returns all phase results for an execution, oldest first.
func (r *VerificationRepo) ListByExecution(ctx context.Context, db *sql.DB, executionID string) ([]domain.VerificationResult, error) {
	const q = `SELECT result_id, execution_id, phase, passed, snapshot_json, baseline_json, pass_rate, recommendation, created_at_unix
FROM verification_results WHERE execution_id = ? ORDER BY created_at_unix ASC, result_id ASC`

	rows, err := db.QueryContext(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	defer rows.Close()

	var out []domain.VerificationResult
	for rows.Next() {
		var vr domain.VerificationResult
		var phase, recommendation, snapshotJSON, baselineJSON string
		var passed int
		if err := rows.Scan(
			&vr.ID, &vr.ExecutionID, &phase, &passed,
			&snapshotJSON, &baselineJSON, &vr.PassRate, &recommendation, &vr.CreatedAtUnix,
		); err != nil {
			return nil, fmt.Errorf("scan verification result: %w", err)
		}
		vr.Phase = domain.VerificationPhase(phase)
		vr.Recommendation = domain.Recommendation(recommendation)
		vr.Passed = passed != 0
		if err := json.Unmarshal([]byte(snapshotJSON), &vr.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(baselineJSON), &vr.BaselineComparison); err != nil {
			return nil, fmt.Errorf("unmarshal baseline comparison: %w", err)
		}
		out = append(out, vr)
	}
	return out, rows.Err()
}
