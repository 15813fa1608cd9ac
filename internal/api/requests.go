package api

import (
	"fmt"
	"strings"
	"time"

	"carecue/internal/reminder"
)

type channelsRequest struct {
	Push  bool `json:"push"`
	Email bool `json:"email"`
}

// courseRequest describes a finite dose course. start_date is RFC3339 or a
// plain date (YYYY-MM-DD) taken as midnight in the schedule timezone.
type courseRequest struct {
	TotalOccurrences int      `json:"total_occurrences" validate:"required,min=1,max=1000"`
	StartDate        string   `json:"start_date,omitempty"`
	Plan             string   `json:"plan,omitempty" validate:"required_without=Times"`
	Times            []string `json:"times,omitempty" validate:"omitempty,dive,datetime=15:04"`
}

type scheduleRequest struct {
	SubjectID              string          `json:"subject_id" validate:"required,max=128"`
	Title                  string          `json:"title" validate:"required,max=200"`
	Expression             string          `json:"expression,omitempty" validate:"required_without=Course,max=256"`
	Timezone               string          `json:"timezone,omitempty" validate:"omitempty,timezone"`
	ActiveStart            *time.Time      `json:"active_start,omitempty"`
	ActiveEnd              *time.Time      `json:"active_end,omitempty"`
	Channels               channelsRequest `json:"channels"`
	MissedThresholdMinutes int             `json:"missed_threshold_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
	EscalationEnabled      bool            `json:"escalation_enabled"`
	Enabled                *bool           `json:"enabled,omitempty"`
	Course                 *courseRequest  `json:"course,omitempty"`
}

func (req scheduleRequest) toSchedule(id string) (reminder.Schedule, error) {
	sc := reminder.Schedule{
		ID:                     id,
		SubjectID:              strings.TrimSpace(req.SubjectID),
		Title:                  strings.TrimSpace(req.Title),
		Expression:             strings.TrimSpace(req.Expression),
		Timezone:               strings.TrimSpace(req.Timezone),
		Active:                 reminder.Window{End: req.ActiveEnd},
		Channels:               reminder.ChannelPreferences{Push: req.Channels.Push, Email: req.Channels.Email},
		MissedThresholdMinutes: req.MissedThresholdMinutes,
		EscalationEnabled:      req.EscalationEnabled,
		Enabled:                req.Enabled == nil || *req.Enabled,
	}
	if req.ActiveStart != nil {
		sc.Active.Start = *req.ActiveStart
	}
	if req.Course != nil {
		start, err := parseStartDate(req.Course.StartDate, sc.Timezone)
		if err != nil {
			return reminder.Schedule{}, err
		}
		sc.Course = &reminder.CourseMeta{
			TotalOccurrences: req.Course.TotalOccurrences,
			StartDate:        start,
			Plan:             strings.TrimSpace(req.Course.Plan),
			Times:            req.Course.Times,
		}
	}
	return sc, nil
}

func parseStartDate(raw, tz string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q", reminder.ErrInvalidSchedule, tz)
		}
		loc = l
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: start_date %q is neither RFC3339 nor YYYY-MM-DD", reminder.ErrInvalidSchedule, raw)
	}
	return t, nil
}

type ackRequest struct {
	At *time.Time `json:"at,omitempty"`
}

type contactRequest struct {
	PushToken string `json:"push_token,omitempty" validate:"max=256"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
}

type recipientRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	PushToken     string `json:"push_token,omitempty" validate:"max=256"`
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	ReceiveAlerts bool   `json:"receive_alerts"`
}
