package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	logx "carecue/pkg/logx"
)

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, at, kind, schedule_id, occurrence_id, subject_id, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, toMS(e.At), e.Kind, nullStr(e.ScheduleID), nullStr(e.OccurrenceID), nullStr(e.SubjectID), nullStr(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Kind, err)
	}
	if s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := s.pruneEvents(pctx, time.Now().Add(-s.retention)); err != nil {
			s.log.Debug("event prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	q := `SELECT id, at, kind, schedule_id, occurrence_id, subject_id, detail FROM events WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.ScheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	q += ` ORDER BY at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                           Event
			at                          int64
			sched, occ, subject, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &sched, &occ, &subject, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = fromMS(at)
		e.ScheduleID, e.OccurrenceID, e.SubjectID, e.Detail = sched.String, occ.String, subject.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneEvents(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, toMS(before))
	return err
}
