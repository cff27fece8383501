package store

import (
	"context"
	"fmt"
	"strings"
)

// schema uses {{ts}} for the timestamp column type.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		name_key   TEXT NOT NULL UNIQUE,
		owner      TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS environments (
		id                TEXT PRIMARY KEY,
		application_id    TEXT NOT NULL REFERENCES applications(id),
		name              TEXT NOT NULL,
		risk_tier         TEXT NOT NULL,
		security_tools    TEXT NOT NULL,
		policy_references TEXT NOT NULL,
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        {{ts}} NOT NULL,
		updated_at        {{ts}} NOT NULL,
		UNIQUE (application_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		id             TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		environment    TEXT NOT NULL,
		risk_tier      TEXT NOT NULL,
		allowed        BOOLEAN NOT NULL,
		policy_package TEXT NOT NULL,
		scan_results   TEXT NOT NULL,
		decision       TEXT NOT NULL,
		critical_count INTEGER NOT NULL,
		high_count     INTEGER NOT NULL,
		medium_count   INTEGER NOT NULL,
		low_count      INTEGER NOT NULL,
		total_count    INTEGER NOT NULL,
		evaluated_at   {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_app ON evaluations (application_id, evaluated_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id                   TEXT PRIMARY KEY,
		evaluation_id        TEXT NOT NULL UNIQUE,
		application_id       TEXT NOT NULL,
		application_name     TEXT NOT NULL,
		environment          TEXT NOT NULL,
		risk_tier            TEXT NOT NULL,
		allowed              BOOLEAN NOT NULL,
		reason               TEXT NOT NULL DEFAULT '',
		violations           TEXT NOT NULL,
		policy_package       TEXT NOT NULL,
		decision_hash        TEXT NOT NULL DEFAULT '',
		evidence_scan        TEXT NOT NULL,
		evidence_input       TEXT NOT NULL,
		evidence_output      TEXT NOT NULL,
		evidence_captured_at {{ts}} NOT NULL,
		duration_ms          BIGINT NOT NULL,
		critical_count       INTEGER NOT NULL,
		high_count           INTEGER NOT NULL,
		medium_count         INTEGER NOT NULL,
		low_count            INTEGER NOT NULL,
		total_count          INTEGER NOT NULL,
		initiated_by         TEXT NOT NULL DEFAULT '',
		evaluated_at         {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_time ON audit_logs (evaluated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_app ON audit_logs (application_id, evaluated_at)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "TEXT"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{ts}}", ts)); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
