package storage

import (
	"errors"
	"time"

	"carecue/internal/reminder"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": private in-memory SQLite database, lost on exit
type Config struct {
	Driver         string
	Path           string
	BusyTimeout    time.Duration // 0 means 5s
	EventRetention time.Duration // 0 keeps events forever
}

// ScheduleFilter narrows ListSchedules. Zero value lists everything.
type ScheduleFilter struct {
	SubjectID   string
	EnabledOnly bool
}

// OccurrenceFilter narrows ListOccurrences. From and To are inclusive.
type OccurrenceFilter struct {
	ScheduleID string
	SubjectID  string
	Status     reminder.Status
	From       time.Time
	To         time.Time
	Limit      int
}

// Event is one audit log entry. Keep it compact and schema-stable.
type Event struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	Kind         string    `json:"kind"`
	ScheduleID   string    `json:"schedule_id,omitempty"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	SubjectID    string    `json:"subject_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind       string
	ScheduleID string
	Limit      int
}
