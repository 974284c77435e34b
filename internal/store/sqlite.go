// Package store provides SQLite-backed persistence for the remediation engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id      TEXT PRIMARY KEY,
	category         TEXT NOT NULL,
	severity         INTEGER NOT NULL DEFAULT 3,
	risk_score       INTEGER NOT NULL DEFAULT 0,
	blast_radius     TEXT NOT NULL DEFAULT 'single_instance',
	state            TEXT NOT NULL DEFAULT 'triaged',
	resources_json   TEXT NOT NULL DEFAULT '[]',
	impact_json      TEXT NOT NULL DEFAULT '{}',
	trend            TEXT NOT NULL DEFAULT 'stable',
	occurrences      INTEGER NOT NULL DEFAULT 1,
	selected_playbook TEXT NOT NULL DEFAULT '',
	execution_id     TEXT NOT NULL DEFAULT '',
	state_version    INTEGER NOT NULL DEFAULT 1,
	last_event_seq   INTEGER NOT NULL DEFAULT 0,
	created_at_unix  INTEGER NOT NULL DEFAULT 0,
	updated_at_unix  INTEGER NOT NULL DEFAULT 0,
	closed_at_unix   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
CREATE INDEX IF NOT EXISTS idx_incidents_category_state ON incidents(category, state);

CREATE TABLE IF NOT EXISTS anomaly_events (
	event_id        TEXT PRIMARY KEY,
	incident_id     TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL,
	resources_json  TEXT NOT NULL DEFAULT '[]',
	impact_json     TEXT NOT NULL DEFAULT '{}',
	trend           TEXT NOT NULL DEFAULT 'stable',
	occurrences     INTEGER NOT NULL DEFAULT 0,
	detected_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_incident ON anomaly_events(incident_id);

CREATE TABLE IF NOT EXISTS incident_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id  TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	state        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(incident_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_incident_events_seq ON incident_events(incident_id, seq_no);

CREATE TABLE IF NOT EXISTS playbooks (
	playbook_id       TEXT NOT NULL,
	version           INTEGER NOT NULL,
	category          TEXT NOT NULL,
	radii_json        TEXT NOT NULL DEFAULT '[]',
	preconditions_json TEXT NOT NULL DEFAULT '[]',
	steps_json        TEXT NOT NULL DEFAULT '[]',
	rollback_json     TEXT NOT NULL DEFAULT '[]',
	verification_json TEXT NOT NULL DEFAULT '{}',
	max_retries       INTEGER NOT NULL DEFAULT 0,
	radius_ceiling    TEXT NOT NULL DEFAULT 'single_instance',
	requires_approval INTEGER NOT NULL DEFAULT 0,
	progressive       INTEGER NOT NULL DEFAULT 0,
	created_at_unix   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (playbook_id, version)
);
CREATE INDEX IF NOT EXISTS idx_playbooks_category ON playbooks(category);

CREATE TABLE IF NOT EXISTS playbook_metrics (
	playbook_id       TEXT PRIMARY KEY,
	total_executions  INTEGER NOT NULL DEFAULT 0,
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	rollback_count    INTEGER NOT NULL DEFAULT 0,
	avg_execution_ms  INTEGER NOT NULL DEFAULT 0,
	last_updated_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS executions (
	execution_id     TEXT PRIMARY KEY,
	incident_id      TEXT NOT NULL,
	playbook_id      TEXT NOT NULL,
	playbook_version INTEGER NOT NULL DEFAULT 1,
	started_at_unix  INTEGER NOT NULL DEFAULT 0,
	ended_at_unix    INTEGER NOT NULL DEFAULT 0,
	step_results_json TEXT NOT NULL DEFAULT '[]',
	outcome          TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	verification_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_incident ON executions(incident_id);

CREATE TABLE IF NOT EXISTS verification_results (
	result_id       TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL,
	phase           TEXT NOT NULL,
	passed          INTEGER NOT NULL DEFAULT 0,
	snapshot_json   TEXT NOT NULL DEFAULT '{}',
	baseline_json   TEXT NOT NULL DEFAULT '{}',
	pass_rate       REAL NOT NULL DEFAULT 0.0,
	recommendation  TEXT NOT NULL DEFAULT '',
	created_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_verification_execution ON verification_results(execution_id);

CREATE TABLE IF NOT EXISTS escalations (
	escalation_id   TEXT PRIMARY KEY,
	incident_id     TEXT NOT NULL UNIQUE,
	reason          TEXT NOT NULL,
	severity        INTEGER NOT NULL DEFAULT 3,
	level           INTEGER NOT NULL DEFAULT 1,
	notes_json      TEXT NOT NULL DEFAULT '[]',
	created_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS remediation_outcomes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id     TEXT NOT NULL,
	execution_id    TEXT NOT NULL,
	playbook_id     TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	recommendation  TEXT NOT NULL DEFAULT '',
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	recorded_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outcomes_playbook ON remediation_outcomes(playbook_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
