package storage

import (
	"context"
	"fmt"

	logx "carecue/pkg/logx"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "schedules: reminder definitions",
		SQL: `
CREATE TABLE schedules (
    id                       TEXT PRIMARY KEY,
    subject_id               TEXT NOT NULL,
    title                    TEXT NOT NULL,
    expression               TEXT NOT NULL DEFAULT '',
    timezone                 TEXT NOT NULL DEFAULT '',
    active_start             INTEGER,
    active_end               INTEGER,
    push                     INTEGER NOT NULL DEFAULT 1,
    email                    INTEGER NOT NULL DEFAULT 0,
    missed_threshold_minutes INTEGER NOT NULL DEFAULT 30,
    escalation_enabled       INTEGER NOT NULL DEFAULT 0,
    enabled                  INTEGER NOT NULL DEFAULT 1,

    -- Finite course; NULL course_total means recurring.
    course_total             INTEGER,
    course_start             INTEGER,
    course_plan              TEXT,
    course_times             TEXT,

    total_fired_count        INTEGER NOT NULL DEFAULT 0,
    created_at               INTEGER NOT NULL,
    updated_at               INTEGER NOT NULL
);

CREATE INDEX idx_schedules_subject ON schedules(subject_id);
CREATE INDEX idx_schedules_enabled ON schedules(enabled);
`,
	},
	{
		Version:     2,
		Description: "occurrences: materialized schedule firings",
		SQL: `
CREATE TABLE occurrences (
    id             TEXT PRIMARY KEY,
    schedule_id    TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    nominal_time   INTEGER NOT NULL,
    actual_time    INTEGER,
    status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'acknowledged', 'missed', 'skipped')),
    delivered      INTEGER NOT NULL DEFAULT 0,
    delivered_at   INTEGER,
    escalated_at   INTEGER,
    sequence_index INTEGER,
    sequence_label TEXT,
    created_at     INTEGER NOT NULL
);

CREATE UNIQUE INDEX uq_occurrences_schedule_nominal ON occurrences(schedule_id, nominal_time);
CREATE INDEX idx_occurrences_status_nominal ON occurrences(status, nominal_time);
CREATE INDEX idx_occurrences_subject        ON occurrences(subject_id);
`,
	},
	{
		Version:     3,
		Description: "directory: subject contacts and care links",
		SQL: `
CREATE TABLE contacts (
    subject_id TEXT PRIMARY KEY,
    push_token TEXT,
    email      TEXT,
    updated_at INTEGER NOT NULL
);

CREATE TABLE care_links (
    subject_id     TEXT NOT NULL,
    recipient_id   TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    push_token     TEXT,
    email          TEXT,
    receive_alerts INTEGER NOT NULL DEFAULT 1,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (subject_id, recipient_id)
);
`,
	},
	{
		Version:     4,
		Description: "events: engine audit log",
		SQL: `
CREATE TABLE events (
    id            TEXT PRIMARY KEY,
    at            INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    schedule_id   TEXT,
    occurrence_id TEXT,
    subject_id    TEXT,
    detail        TEXT
);

CREATE INDEX idx_events_at       ON events(at DESC);
CREATE INDEX idx_events_schedule ON events(schedule_id);
`,
	},
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.Version), logx.String("desc", m.Description))
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *sqliteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
