package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsloop/selfheal/internal/domain"
)

// PlaybookRepo handles persistence for versioned Playbook records.
// Playbook versions are append-only: a (playbook_id, version) row is never
// updated after insert.
type PlaybookRepo struct{}

// Create inserts a new playbook version.
func (r *PlaybookRepo) Create(ctx context.Context, db *sql.DB, pb domain.Playbook) error {
	radii := make([]string, 0, len(pb.ApplicableBlastRadii))
	for _, rad := range pb.ApplicableBlastRadii {
		radii = append(radii, rad.String())
	}
	radiiJSON, err := json.Marshal(radii)
	if err != nil {
		return fmt.Errorf("marshal radii: %w", err)
	}
	preJSON, err := json.Marshal(pb.Preconditions)
	if err != nil {
		return fmt.Errorf("marshal preconditions: %w", err)
	}
	stepsJSON, err := json.Marshal(pb.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	rollbackJSON, err := json.Marshal(pb.RollbackSteps)
	if err != nil {
		return fmt.Errorf("marshal rollback steps: %w", err)
	}
	verifyJSON, err := json.Marshal(pb.Verification)
	if err != nil {
		return fmt.Errorf("marshal verification spec: %w", err)
	}

	const q = `INSERT INTO playbooks (playbook_id, version, category, radii_json, preconditions_json, steps_json, rollback_json, verification_json, max_retries, radius_ceiling, requires_approval, progressive, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		pb.ID,
		pb.Version,
		string(pb.Category),
		string(radiiJSON),
		string(preJSON),
		string(stepsJSON),
		string(rollbackJSON),
		string(verifyJSON),
		pb.Safety.MaxRetries,
		pb.Safety.BlastRadiusCeiling.String(),
		boolToInt(pb.Safety.RequiresApproval),
		boolToInt(pb.Progressive),
		pb.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create playbook: %w", err)
	}
	return nil
}

// GetLatest returns the highest version of a playbook id.
func (r *PlaybookRepo) GetLatest(ctx context.Context, db *sql.DB, playbookID string) (*domain.Playbook, error) {
	const q = selectPlaybook + ` WHERE playbook_id = ? ORDER BY version DESC LIMIT 1`
	pb, err := scanPlaybook(db.QueryRowContext(ctx, q, playbookID))
	if err != nil {
		return nil, err
	}
	return pb, nil
}

// ListLatestByCategory returns the latest version of every playbook in a
// category, ordered by playbook id for stable iteration.
func (r *PlaybookRepo) ListLatestByCategory(ctx context.Context, db *sql.DB, category domain.Category) ([]domain.Playbook, error) {
	const q = selectPlaybook + `
WHERE category = ? AND version = (
	SELECT MAX(version) FROM playbooks p2 WHERE p2.playbook_id = playbooks.playbook_id
)
ORDER BY playbook_id ASC`

	rows, err := db.QueryContext(ctx, q, string(category))
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pb)
	}
	return out, rows.Err()
}

// ListAll returns the latest version of every playbook.
func (r *PlaybookRepo) ListAll(ctx context.Context, db *sql.DB) ([]domain.Playbook, error) {
	const q = selectPlaybook + `
WHERE version = (
	SELECT MAX(version) FROM playbooks p2 WHERE p2.playbook_id = playbooks.playbook_id
)
ORDER BY playbook_id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pb)
	}
	return out, rows.Err()
}

const selectPlaybook = `SELECT playbook_id, version, category, radii_json, preconditions_json, steps_json, rollback_json, verification_json, max_retries, radius_ceiling, requires_approval, progressive, created_at_unix
FROM playbooks`

func scanPlaybook(row rowScanner) (*domain.Playbook, error) {
	var pb domain.Playbook
	var category, radiiJSON, preJSON, stepsJSON, rollbackJSON, verifyJSON, ceiling string
	var requiresApproval, progressive int

	err := row.Scan(
		&pb.ID, &pb.Version, &category, &radiiJSON, &preJSON, &stepsJSON,
		&rollbackJSON, &verifyJSON, &pb.Safety.MaxRetries, &ceiling,
		&requiresApproval, &progressive, &pb.CreatedAtUnix,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPlaybookNotFound
		}
		return nil, fmt.Errorf("scan playbook: %w", err)
	}

	pb.Category = domain.Category(category)
	pb.Safety.RequiresApproval = requiresApproval != 0
	pb.Progressive = progressive != 0
	if parsed, ok := domain.ParseBlastRadius(ceiling); ok {
		pb.Safety.BlastRadiusCeiling = parsed
	}

	var radii []string
	if err := json.Unmarshal([]byte(radiiJSON), &radii); err != nil {
		return nil, fmt.Errorf("unmarshal radii: %w", err)
	}
	for _, s := range radii {
		if rad, ok := domain.ParseBlastRadius(s); ok {
			pb.ApplicableBlastRadii = append(pb.ApplicableBlastRadii, rad)
		}
	}
	if err := json.Unmarshal([]byte(preJSON), &pb.Preconditions); err != nil {
		return nil, fmt.Errorf("unmarshal preconditions: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &pb.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(rollbackJSON), &pb.RollbackSteps); err != nil {
		return nil, fmt.Errorf("unmarshal rollback steps: %w", err)
	}
	if err := json.Unmarshal([]byte(verifyJSON), &pb.Verification); err != nil {
		return nil, fmt.Errorf("unmarshal verification spec: %w", err)
	}
	return &pb, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
