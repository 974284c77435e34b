package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// MetricsRepo handles persistence for PlaybookMetrics records.
type MetricsRepo struct{}

// Get returns metrics for a playbook id. A playbook with no recorded
// executions yields a zero-valued record, not an error.
func (r *MetricsRepo) Get(ctx context.Context, db *sql.DB, playbookID string) (domain.PlaybookMetrics, error) {
	const q = `SELECT playbook_id, total_executions, success_count, failure_count, rollback_count, avg_execution_ms, last_updated_unix
FROM playbook_metrics WHERE playbook_id = ?`

	var m domain.PlaybookMetrics
	err := db.QueryRowContext(ctx, q, playbookID).Scan(
		&m.PlaybookID, &m.TotalExecutions, &m.SuccessCount,
		&m.FailureCount, &m.RollbackCount, &m.AvgExecutionMs, &m.LastUpdatedUnix,
	)
	if err == sql.ErrNoRows {
		return domain.PlaybookMetrics{PlaybookID: playbookID}, nil
	}
	if err != nil {
		return m, fmt.Errorf("get playbook metrics: %w", err)
	}
	return m, nil
}

// ApplyOutcomeTx folds one execution outcome into a playbook's metrics within
// a transaction. The rolling average execution time is recomputed from the
// previous average and the new sample.
func (r *MetricsRepo) ApplyOutcomeTx(ctx context.Context, tx *sql.Tx, playbookID string, outcome domain.ExecutionOutcome, durationMs int64, nowUnix int64) error {
	const get = `SELECT total_executions, success_count, failure_count, rollback_count, avg_execution_ms
FROM playbook_metrics WHERE playbook_id = ?`

	var m domain.PlaybookMetrics
	err := tx.QueryRowContext(ctx, get, playbookID).Scan(
		&m.TotalExecutions, &m.SuccessCount, &m.FailureCount, &m.RollbackCount, &m.AvgExecutionMs,
	)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load playbook metrics: %w", err)
	}

	prevTotal := m.TotalExecutions
	m.TotalExecutions++
	switch outcome {
	case domain.OutcomeSuccess:
		m.SuccessCount++
	case domain.OutcomeRolledBack:
		m.RollbackCount++
	default:
		m.FailureCount++
	}
	if durationMs < 0 {
		durationMs = 0
	}
	m.AvgExecutionMs = (m.AvgExecutionMs*prevTotal + durationMs) / m.TotalExecutions

	const upsert = `INSERT INTO playbook_metrics (playbook_id, total_executions, success_count, failure_count, rollback_count, avg_execution_ms, last_updated_unix)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(playbook_id) DO UPDATE SET
	total_executions = excluded.total_executions,
	success_count = excluded.success_count,
	failure_count = excluded.failure_count,
	rollback_count = excluded.rollback_count,
	avg_execution_ms = excluded.avg_execution_ms,
	last_updated_unix = excluded.last_updated_unix`

	_, err = tx.ExecContext(ctx, upsert,
		playbookID, m.TotalExecutions, m.SuccessCount, m.FailureCount,
		m.RollbackCount, m.AvgExecutionMs, nowUnix,
	)
	if err != nil {
		return fmt.Errorf("upsert playbook metrics: %w", err)
	}
	return nil
}

// CategorySuccessRate returns the aggregate success rate and sample count for
// all executions of playbooks in a category. Used by the scoring library's
// historical-success component.
func (r *MetricsRepo) CategorySuccessRate(ctx context.Context, db *sql.DB, category domain.Category) (float64, int, error) {
	const q = `SELECT COALESCE(SUM(m.success_count), 0), COALESCE(SUM(m.total_executions), 0)
FROM playbook_metrics m
JOIN playbooks p ON p.playbook_id = m.playbook_id
WHERE p.category = ?`

	var success, total int64
	if err := db.QueryRowContext(ctx, q, string(category)).Scan(&success, &total); err != nil {
		return 0, 0, fmt.Errorf("category success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(success) / float64(total), int(total), nil
}
