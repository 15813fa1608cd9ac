// Package reminder holds the domain model shared by the store, the engine and the API:
// schedules, their materialized occurrences and the people notified about them.
package reminder

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid occurrence transition")
	ErrInvalidSchedule   = errors.New("invalid schedule")
)

// Window bounds the period a schedule is allowed to fire in. End is optional.
type Window struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Covers reports whether t falls inside the window (both bounds inclusive).
func (w Window) Covers(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return !w.Expired(t)
}

// Expired reports whether the window has an end that is already behind t.
func (w Window) Expired(t time.Time) bool {
	return w.End != nil && w.End.Before(t)
}

type ChannelPreferences struct {
	Push  bool `json:"push"`
	Email bool `json:"email"`
}

// CourseMeta marks a schedule as a finite dose course.
//
// Slots come from Plan (a preset name) or from Times (explicit "HH:MM" values);
// Times wins when both are set.
type CourseMeta struct {
	TotalOccurrences int       `json:"total_occurrences"`
	StartDate        time.Time `json:"start_date"`
	Plan             string    `json:"plan,omitempty"`
	Times            []string  `json:"times,omitempty"`
}

type Schedule struct {
	ID                     string             `json:"id"`
	SubjectID              string             `json:"subject_id"`
	Title                  string             `json:"title"`
	Expression             string             `json:"expression,omitempty"`
	Timezone               string             `json:"timezone"`
	Active                 Window             `json:"active_window"`
	Channels               ChannelPreferences `json:"channels"`
	MissedThresholdMinutes int                `json:"missed_threshold_minutes"`
	EscalationEnabled      bool               `json:"escalation_enabled"`
	Enabled                bool               `json:"enabled"`
	Course                 *CourseMeta        `json:"course,omitempty"`
	TotalFiredCount        int64              `json:"total_fired_count"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Finite reports whether the schedule is a pre-generated dose course.
// Finite schedules are never evaluated by the tick loop.
func (s Schedule) Finite() bool { return s.Course != nil }

// MissedThreshold returns the age after which a pending occurrence is missed.
func (s Schedule) MissedThreshold() time.Duration {
	return time.Duration(s.MissedThresholdMinutes) * time.Minute
}

// Location resolves the schedule timezone. Empty means UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

type Occurrence struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"schedule_id"`
	SubjectID     string     `json:"subject_id"`
	NominalTime   time.Time  `json:"nominal_time"`
	ActualTime    *time.Time `json:"actual_time,omitempty"`
	Status        Status     `json:"status"`
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	EscalatedAt   *time.Time `json:"escalated_at,omitempty"`
	SequenceIndex *int       `json:"sequence_index,omitempty"`
	SequenceLabel *string    `json:"sequence_label,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Delay is how late the subject acknowledged. ok is false until acknowledged.
func (o Occurrence) Delay() (d time.Duration, ok bool) {
	if o.Status != StatusAcknowledged || o.ActualTime == nil {
		return 0, false
	}
	return o.ActualTime.Sub(o.NominalTime), true
}

// Contact is how the subject of a schedule is reached.
type Contact struct {
	SubjectID string `json:"subject_id"`
	PushToken string `json:"push_token,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Recipient is a secondary person (family, caregiver) linked to a subject.
type Recipient struct {
	SubjectID     string `json:"subject_id"`
	RecipientID   string `json:"recipient_id"`
	Name          string `json:"name"`
	PushToken     string `json:"push_token,omitempty"`
	Email         string `json:"email,omitempty"`
	ReceiveAlerts bool   `json:"receive_alerts"`
}
