package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carecue/internal/eventbus"
	"carecue/internal/recurrence"
	"carecue/internal/reminder"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

// ValidateSchedule checks a schedule before it is stored. Errors wrap
// reminder.ErrInvalidSchedule.
func (s *Service) ValidateSchedule(sc reminder.Schedule) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", reminder.ErrInvalidSchedule, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(sc.SubjectID) == "" {
		return invalid("subject_id required")
	}
	if strings.TrimSpace(sc.Title) == "" {
		return invalid("title required")
	}
	if _, err := location(sc, s.config()); err != nil {
		return invalid("%v", err)
	}
	if sc.Active.End != nil && !sc.Active.Start.IsZero() && sc.Active.End.Before(sc.Active.Start) {
		return invalid("active window ends before it starts")
	}
	if sc.MissedThresholdMinutes <= 0 {
		return invalid("missed_threshold_minutes must be > 0")
	}

	if sc.Course == nil {
		if _, err := recurrence.Parse(sc.Expression); err != nil {
			return invalid("%v", err)
		}
		return nil
	}
	if strings.TrimSpace(sc.Expression) != "" {
		if _, err := recurrence.Parse(sc.Expression); err != nil {
			return invalid("%v", err)
		}
	}
	if n := sc.Course.TotalOccurrences; n <= 0 || n > MaxCourseOccurrences {
		return invalid("course total_occurrences must be in 1..%d", MaxCourseOccurrences)
	}
	if _, err := recurrence.PlanSlots(sc.Course.Plan, sc.Course.Times); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// CreateSchedule stores a new schedule and, for enabled finite courses,
// generates the whole course from its start date. A course that cannot be
// generated is removed again so no half-created schedule stays behind.
func (s *Service) CreateSchedule(ctx context.Context, in reminder.Schedule) (reminder.Schedule, error) {
	now := s.now()
	sc := in
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.MissedThresholdMinutes == 0 {
		sc.MissedThresholdMinutes = DefaultMissedThreshold
	}
	if sc.Active.Start.IsZero() {
		sc.Active.Start = now
	}
	if sc.Course != nil {
		c := *sc.Course
		if c.StartDate.IsZero() {
			c.StartDate = now
		}
		sc.Course = &c
	}
	sc.TotalFiredCount = 0
	sc.CreatedAt, sc.UpdatedAt = now, now

	if err := s.ValidateSchedule(sc); err != nil {
		return reminder.Schedule{}, err
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return reminder.Schedule{}, err
	}
	if sc.Finite() && sc.Enabled {
		if _, err := s.GenerateCourse(ctx, sc, sc.Course.StartDate); err != nil {
			if _, derr := s.store.DeleteSchedule(ctx, sc.ID); derr != nil {
				s.log.Warn("remove schedule after failed course failed", logx.String("schedule_id", sc.ID), logx.Err(derr))
			}
			return reminder.Schedule{}, fmt.Errorf("generate course: %w", err)
		}
	}

	s.log.Info("schedule created", logx.String("schedule_id", sc.ID), logx.String("subject_id", sc.SubjectID), logx.Bool("finite", sc.Finite()))
	s.publish(eventbus.ScheduleCreated, now, eventbus.Payload{ScheduleID: sc.ID, SubjectID: sc.SubjectID})
	return sc, nil
}

// UpdateSchedule replaces a schedule and purges the pending occurrences of
// today (in the schedule timezone) so they are regenerated with the new
// timing. Finite courses also drop pending rows after today and regenerate
// the rest of the course. Acknowledged, missed and skipped rows are kept.
// Nothing is regenerated for a disabled schedule.
func (s *Service) UpdateSchedule(ctx context.Context, in reminder.Schedule) (reminder.Schedule, error) {
	existing, err := s.store.GetSchedule(ctx, in.ID)
	if err != nil {
		return reminder.Schedule{}, err
	}

	now := s.now()
	sc := in
	sc.CreatedAt = existing.CreatedAt
	sc.TotalFiredCount = existing.TotalFiredCount
	sc.UpdatedAt = now
	if sc.MissedThresholdMinutes == 0 {
		sc.MissedThresholdMinutes = existing.MissedThresholdMinutes
	}
	if sc.Active.Start.IsZero() {
		sc.Active.Start = existing.Active.Start
	}
	if sc.Course != nil {
		c := *sc.Course
		if c.StartDate.IsZero() {
			if existing.Course != nil {
				c.StartDate = existing.Course.StartDate
			} else {
				c.StartDate = now
			}
		}
		sc.Course = &c
	}

	if err := s.ValidateSchedule(sc); err != nil {
		return reminder.Schedule{}, err
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return reminder.Schedule{}, err
	}

	cfg := s.config()
	loc, err := location(sc, cfg)
	if err != nil {
		return sc, err
	}
	dayStart, dayEnd := recurrence.DayBounds(now, loc)
	purgeTo := dayEnd
	if sc.Finite() || existing.Finite() {
		purgeTo = time.Time{}
	}
	purged, err := s.store.PurgePending(ctx, sc.ID, dayStart, purgeTo)
	if err != nil {
		return sc, fmt.Errorf("purge pending: %w", err)
	}

	regenerated := 0
	switch {
	case sc.Finite() && sc.Enabled:
		anchor := sc.Course.StartDate
		if anchor.Before(dayStart) {
			anchor = dayStart
		}
		regenerated, err = s.GenerateCourse(ctx, sc, anchor)
		if err != nil {
			return sc, fmt.Errorf("generate course: %w", err)
		}
	case sc.Enabled && !sc.Active.Expired(now):
		// Restore what the next tick would find in the current window.
		regenerated, err = s.evaluateSchedule(ctx, cfg, sc, now.Add(-cfg.CompensationWindow), now)
		if err != nil {
			s.log.Warn("re-evaluation after edit failed", logx.String("schedule_id", sc.ID), logx.Err(err))
		}
	}

	s.log.Info("schedule updated",
		logx.String("schedule_id", sc.ID),
		logx.Int64("purged", purged),
		logx.Int("regenerated", regenerated),
	)
	s.publish(eventbus.ScheduleUpdated, now, eventbus.Payload{
		ScheduleID: sc.ID,
		SubjectID:  sc.SubjectID,
		Detail:     fmt.Sprintf("purged=%d regenerated=%d", purged, regenerated),
	})
	return sc, nil
}

// DeleteSchedule removes a schedule and its pending occurrences.
func (s *Service) DeleteSchedule(ctx context.Context, id string) (int64, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return 0, err
	}
	purged, err := s.store.DeleteSchedule(ctx, id)
	if err != nil {
		return 0, err
	}
	s.log.Info("schedule deleted", logx.String("schedule_id", id), logx.Int64("purged", purged))
	s.publish(eventbus.ScheduleDeleted, s.now(), eventbus.Payload{ScheduleID: id, SubjectID: sc.SubjectID})
	return purged, nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (reminder.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, f storage.ScheduleFilter) ([]reminder.Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

// Acknowledge records that the subject acted on a pending occurrence. A zero
// at means now.
func (s *Service) Acknowledge(ctx context.Context, occurrenceID string, at time.Time) (reminder.Occurrence, error) {
	if at.IsZero() {
		at = s.now()
	}
	o, err := s.store.Transition(ctx, occurrenceID, reminder.StatusAcknowledged, at)
	if err != nil {
		return o, err
	}
	delay, _ := o.Delay()
	s.publish(eventbus.OccurrenceAcknowledged, at, eventbus.Payload{
		ScheduleID:   o.ScheduleID,
		OccurrenceID: o.ID,
		SubjectID:    o.SubjectID,
		Detail:       "delay=" + delay.String(),
	})
	return o, nil
}

// Skip marks a pending occurrence as deliberately skipped.
func (s *Service) Skip(ctx context.Context, occurrenceID string) (reminder.Occurrence, error) {
	now := s.now()
	o, err := s.store.Transition(ctx, occurrenceID, reminder.StatusSkipped, now)
	if err != nil {
		return o, err
	}
	s.publish(eventbus.OccurrenceSkipped, now, eventbus.Payload{ScheduleID: o.ScheduleID, OccurrenceID: o.ID, SubjectID: o.SubjectID})
	return o, nil
}
