package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"carecue/internal/reminder"
	logx "carecue/pkg/logx"
)

// Store is the persistence API used by the engine, the API and the CLI.
//
// Conditional writes (MarkMissed, MarkEscalated, Transition, InsertOccurrence)
// report whether they changed anything so callers can act exactly once.
type Store interface {
	CreateSchedule(ctx context.Context, s reminder.Schedule) error
	UpdateSchedule(ctx context.Context, s reminder.Schedule) error
	GetSchedule(ctx context.Context, id string) (reminder.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]reminder.Schedule, error)
	// DeleteSchedule removes the schedule and its pending occurrences. Settled
	// occurrences stay for audit.
	DeleteSchedule(ctx context.Context, id string) (purged int64, err error)
	DisableSchedule(ctx context.Context, id string, at time.Time) (bool, error)
	IncrementFiredCount(ctx context.Context, id string) error

	FindOccurrence(ctx context.Context, scheduleID string, nominal time.Time) (reminder.Occurrence, bool, error)
	GetOccurrence(ctx context.Context, id string) (reminder.Occurrence, error)
	// InsertOccurrence inserts o unless (schedule_id, nominal_time) is taken.
	InsertOccurrence(ctx context.Context, o reminder.Occurrence) (inserted bool, err error)
	InsertOccurrences(ctx context.Context, list []reminder.Occurrence) (inserted int, err error)
	ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]reminder.Occurrence, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]reminder.Occurrence, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]reminder.Occurrence, error)
	// ListUnescalatedMissed returns missed occurrences of escalating schedules
	// that were never escalated, with nominal time at or after since.
	ListUnescalatedMissed(ctx context.Context, since time.Time, limit int) ([]reminder.Occurrence, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkMissed(ctx context.Context, id string) (bool, error)
	MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error)
	Transition(ctx context.Context, id string, to reminder.Status, at time.Time) (reminder.Occurrence, error)
	// PurgePending deletes pending occurrences of a schedule with nominal time in
	// [from, to). A zero to means no upper bound.
	PurgePending(ctx context.Context, scheduleID string, from, to time.Time) (int64, error)

	PutContact(ctx context.Context, c reminder.Contact) error
	GetContact(ctx context.Context, subjectID string) (reminder.Contact, bool, error)
	PutRecipient(ctx context.Context, r reminder.Recipient) error
	DeleteRecipient(ctx context.Context, subjectID, recipientID string) error
	ListRecipients(ctx context.Context, subjectID string, alertsOnly bool) ([]reminder.Recipient, error)

	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)

	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return openMemory(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// OpenMemory opens a private in-memory store. Used by tests and dry runs.
func OpenMemory() (Store, error) {
	return openMemory(Config{}, logx.Nop())
}
