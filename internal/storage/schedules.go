package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecue/internal/reminder"
)

const scheduleColumns = `id, subject_id, title, expression, timezone, active_start, active_end,
	push, email, missed_threshold_minutes, escalation_enabled, enabled,
	course_total, course_start, course_plan, course_times,
	total_fired_count, created_at, updated_at`

func courseArgs(c *reminder.CourseMeta) (total, start, plan, times any) {
	if c == nil {
		return nil, nil, nil, nil
	}
	return c.TotalOccurrences, toMS(c.StartDate), nullStr(c.Plan), nullStr(strings.Join(c.Times, ","))
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc reminder.Schedule) error {
	if sc.ID == "" {
		return fmt.Errorf("create schedule: id required")
	}
	ct, cs, cp, ctimes := courseArgs(sc.Course)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.SubjectID, sc.Title, sc.Expression, sc.Timezone,
		nullMS(&sc.Active.Start), nullMS(sc.Active.End),
		boolInt(sc.Channels.Push), boolInt(sc.Channels.Email),
		sc.MissedThresholdMinutes, boolInt(sc.EscalationEnabled), boolInt(sc.Enabled),
		ct, cs, cp, ctimes,
		sc.TotalFiredCount, toMS(sc.CreatedAt), toMS(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sc.ID, err)
	}
	return nil
}

// UpdateSchedule rewrites the definition of a schedule. created_at and
// total_fired_count are owned by the store and left untouched.
func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc reminder.Schedule) error {
	ct, cs, cp, ctimes := courseArgs(sc.Course)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET
			subject_id = ?, title = ?, expression = ?, timezone = ?, active_start = ?, active_end = ?,
			push = ?, email = ?, missed_threshold_minutes = ?, escalation_enabled = ?, enabled = ?,
			course_total = ?, course_start = ?, course_plan = ?, course_times = ?,
			updated_at = ?
		 WHERE id = ?`,
		sc.SubjectID, sc.Title, sc.Expression, sc.Timezone,
		nullMS(&sc.Active.Start), nullMS(sc.Active.End),
		boolInt(sc.Channels.Push), boolInt(sc.Channels.Email),
		sc.MissedThresholdMinutes, boolInt(sc.EscalationEnabled), boolInt(sc.Enabled),
		ct, cs, cp, ctimes,
		toMS(sc.UpdatedAt), sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	n, err := rowsAffected(res, "update schedule "+sc.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, reminder.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (reminder.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Schedule{}, fmt.Errorf("schedule %s: %w", id, reminder.ErrNotFound)
	}
	if err != nil {
		return reminder.Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]reminder.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	var args []any
	if f.SubjectID != "" {
		q += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.EnabledOnly {
		q += ` AND enabled = 1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []reminder.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete schedule: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete schedule %s: %w", id, err)
	}
	n, err := rowsAffected(res, "delete schedule "+id)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("schedule %s: %w", id, reminder.ErrNotFound)
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM occurrences WHERE schedule_id = ? AND status = 'pending'`, id)
	if err != nil {
		return 0, fmt.Errorf("purge occurrences of %s: %w", id, err)
	}
	purged, err := rowsAffected(res, "purge occurrences of "+id)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete schedule: %w", err)
	}
	return purged, nil
}

func (s *sqliteStore) DisableSchedule(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = 0, updated_at = ? WHERE id = ? AND enabled = 1`,
		toMS(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("disable schedule %s: %w", id, err)
	}
	n, err := rowsAffected(res, "disable schedule "+id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) IncrementFiredCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET total_fired_count = total_fired_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment fired count %s: %w", id, err)
	}
	return nil
}

func scanSchedule(r rowScanner) (reminder.Schedule, error) {
	var (
		sc                               reminder.Schedule
		activeStart, activeEnd           sql.NullInt64
		push, email, escalation, enabled int
		courseTotal, courseStart         sql.NullInt64
		coursePlan, courseTimes          sql.NullString
		createdAt, updatedAt             int64
	)
	err := r.Scan(
		&sc.ID, &sc.SubjectID, &sc.Title, &sc.Expression, &sc.Timezone, &activeStart, &activeEnd,
		&push, &email, &sc.MissedThresholdMinutes, &escalation, &enabled,
		&courseTotal, &courseStart, &coursePlan, &courseTimes,
		&sc.TotalFiredCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return reminder.Schedule{}, err
	}
	if activeStart.Valid {
		sc.Active.Start = fromMS(activeStart.Int64)
	}
	sc.Active.End = ptrMS(activeEnd)
	sc.Channels = reminder.ChannelPreferences{Push: push == 1, Email: email == 1}
	sc.EscalationEnabled = escalation == 1
	sc.Enabled = enabled == 1
	if courseTotal.Valid {
		c := &reminder.CourseMeta{TotalOccurrences: int(courseTotal.Int64), Plan: coursePlan.String}
		if courseStart.Valid {
			c.StartDate = fromMS(courseStart.Int64)
		}
		if courseTimes.String != "" {
			c.Times = strings.Split(courseTimes.String, ",")
		}
		sc.Course = c
	}
	sc.CreatedAt = fromMS(createdAt)
	sc.UpdatedAt = fromMS(updatedAt)
	return sc, nil
}
