package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carecue/internal/reminder"
)

const occurrenceColumns = `id, schedule_id, subject_id, nominal_time, actual_time, status,
	delivered, delivered_at, escalated_at, sequence_index, sequence_label, created_at`

const insertOccurrenceSQL = `INSERT INTO occurrences(` + occurrenceColumns + `)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(schedule_id, nominal_time) DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOccurrence(ctx context.Context, x execer, o reminder.Occurrence) (bool, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = reminder.StatusPending
	}
	var seq, label any
	if o.SequenceIndex != nil {
		seq = *o.SequenceIndex
	}
	if o.SequenceLabel != nil {
		label = *o.SequenceLabel
	}
	res, err := x.ExecContext(ctx, insertOccurrenceSQL,
		o.ID, o.ScheduleID, o.SubjectID, toMS(o.NominalTime), nullMS(o.ActualTime), string(o.Status),
		boolInt(o.Delivered), nullMS(o.DeliveredAt), nullMS(o.EscalatedAt), seq, label, toMS(o.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res, "insert occurrence")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) InsertOccurrence(ctx context.Context, o reminder.Occurrence) (bool, error) {
	ok, err := insertOccurrence(ctx, s.db, o)
	if err != nil {
		return false, fmt.Errorf("insert occurrence %s@%s: %w", o.ScheduleID, o.NominalTime.UTC().Format(time.RFC3339), err)
	}
	return ok, nil
}

func (s *sqliteStore) InsertOccurrences(ctx context.Context, list []reminder.Occurrence) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert occurrences: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, o := range list {
		ok, err := insertOccurrence(ctx, tx, o)
		if err != nil {
			return 0, fmt.Errorf("insert occurrence %s@%s: %w", o.ScheduleID, o.NominalTime.UTC().Format(time.RFC3339), err)
		}
		if ok {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit occurrences: %w", err)
	}
	return inserted, nil
}

func (s *sqliteStore) FindOccurrence(ctx context.Context, scheduleID string, nominal time.Time) (reminder.Occurrence, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE schedule_id = ? AND nominal_time = ?`,
		scheduleID, toMS(nominal))
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Occurrence{}, false, nil
	}
	if err != nil {
		return reminder.Occurrence{}, false, fmt.Errorf("find occurrence: %w", err)
	}
	return o, true, nil
}

func (s *sqliteStore) GetOccurrence(ctx context.Context, id string) (reminder.Occurrence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Occurrence{}, fmt.Errorf("occurrence %s: %w", id, reminder.ErrNotFound)
	}
	if err != nil {
		return reminder.Occurrence{}, fmt.Errorf("get occurrence %s: %w", id, err)
	}
	return o, nil
}

func (s *sqliteStore) ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]reminder.Occurrence, error) {
	q := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE 1=1`
	var args []any
	if f.ScheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.SubjectID != "" {
		q += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		q += ` AND nominal_time >= ?`
		args = append(args, toMS(f.From))
	}
	if !f.To.IsZero() {
		q += ` AND nominal_time <= ?`
		args = append(args, toMS(f.To))
	}
	q += ` ORDER BY nominal_time, schedule_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryOccurrences(ctx, q, args...)
}

// ListDispatchable returns pending, undelivered occurrences that are due.
func (s *sqliteStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]reminder.Occurrence, error) {
	return s.queryOccurrences(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences
		 WHERE status = 'pending' AND delivered = 0 AND nominal_time <= ?
		 ORDER BY nominal_time LIMIT ?`,
		toMS(now), limitOrDefault(limit))
}

// ListOverdue returns pending occurrences older than their schedule's missed
// threshold. Occurrences whose schedule no longer exists are ignored.
func (s *sqliteStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]reminder.Occurrence, error) {
	return s.queryOccurrences(ctx,
		`SELECT o.id, o.schedule_id, o.subject_id, o.nominal_time, o.actual_time, o.status,
			o.delivered, o.delivered_at, o.escalated_at, o.sequence_index, o.sequence_label, o.created_at
		 FROM occurrences o JOIN schedules s ON s.id = o.schedule_id
		 WHERE o.status = 'pending' AND o.nominal_time < ? - s.missed_threshold_minutes * 60000
		 ORDER BY o.nominal_time LIMIT ?`,
		toMS(now), limitOrDefault(limit))
}

func (s *sqliteStore) ListUnescalatedMissed(ctx context.Context, since time.Time, limit int) ([]reminder.Occurrence, error) {
	return s.queryOccurrences(ctx,
		`SELECT o.id, o.schedule_id, o.subject_id, o.nominal_time, o.actual_time, o.status,
			o.delivered, o.delivered_at, o.escalated_at, o.sequence_index, o.sequence_label, o.created_at
		 FROM occurrences o JOIN schedules s ON s.id = o.schedule_id
		 WHERE o.status = 'missed' AND o.escalated_at IS NULL AND s.escalation_enabled = 1
		   AND o.nominal_time >= ?
		 ORDER BY o.nominal_time LIMIT ?`,
		toMS(since), limitOrDefault(limit))
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0`,
		toMS(at), id)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}

// MarkMissed moves a pending occurrence to missed. It reports false when the
// occurrence was already settled, e.g. acknowledged a moment earlier.
func (s *sqliteStore) MarkMissed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET status = 'missed' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark missed %s: %w", id, err)
	}
	n, err := rowsAffected(res, "mark missed "+id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET escalated_at = ? WHERE id = ? AND escalated_at IS NULL`, toMS(at), id)
	if err != nil {
		return false, fmt.Errorf("mark escalated %s: %w", id, err)
	}
	n, err := rowsAffected(res, "mark escalated "+id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Transition applies a subject action to a pending occurrence. at is stored
// as actual_time for acknowledgements.
func (s *sqliteStore) Transition(ctx context.Context, id string, to reminder.Status, at time.Time) (reminder.Occurrence, error) {
	if !reminder.CanTransition(reminder.StatusPending, to) {
		return reminder.Occurrence{}, fmt.Errorf("to %s: %w", to, reminder.ErrInvalidTransition)
	}
	var actual any
	if to == reminder.StatusAcknowledged {
		actual = toMS(at)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET status = ?, actual_time = COALESCE(?, actual_time)
		 WHERE id = ? AND status = 'pending'`,
		string(to), actual, id)
	if err != nil {
		return reminder.Occurrence{}, fmt.Errorf("transition %s: %w", id, err)
	}
	n, err := rowsAffected(res, "transition "+id)
	if err != nil {
		return reminder.Occurrence{}, err
	}
	o, err := s.GetOccurrence(ctx, id)
	if err != nil {
		return reminder.Occurrence{}, err
	}
	if n == 0 {
		return o, fmt.Errorf("occurrence %s is %s: %w", id, o.Status, reminder.ErrInvalidTransition)
	}
	return o, nil
}

func (s *sqliteStore) PurgePending(ctx context.Context, scheduleID string, from, to time.Time) (int64, error) {
	q := `DELETE FROM occurrences WHERE schedule_id = ? AND status = 'pending' AND nominal_time >= ?`
	args := []any{scheduleID, toMS(from)}
	if !to.IsZero() {
		q += ` AND nominal_time < ?`
		args = append(args, toMS(to))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("purge pending %s: %w", scheduleID, err)
	}
	return rowsAffected(res, "purge pending "+scheduleID)
}

func (s *sqliteStore) queryOccurrences(ctx context.Context, q string, args ...any) ([]reminder.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	var out []reminder.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOccurrence(r rowScanner) (reminder.Occurrence, error) {
	var (
		o                                reminder.Occurrence
		nominal, createdAt               int64
		actual, deliveredAt, escalatedAt sql.NullInt64
		status                           string
		delivered                        int
		seq                              sql.NullInt64
		label                            sql.NullString
	)
	err := r.Scan(&o.ID, &o.ScheduleID, &o.SubjectID, &nominal, &actual, &status,
		&delivered, &deliveredAt, &escalatedAt, &seq, &label, &createdAt)
	if err != nil {
		return reminder.Occurrence{}, err
	}
	o.NominalTime = fromMS(nominal)
	o.ActualTime = ptrMS(actual)
	o.Status = reminder.Status(status)
	o.Delivered = delivered == 1
	o.DeliveredAt = ptrMS(deliveredAt)
	o.EscalatedAt = ptrMS(escalatedAt)
	if seq.Valid {
		i := int(seq.Int64)
		o.SequenceIndex = &i
	}
	if label.Valid {
		l := label.String
		o.SequenceLabel = &l
	}
	o.CreatedAt = fromMS(createdAt)
	return o, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}
