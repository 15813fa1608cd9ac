package engine

import (
	"context"
	"errors"
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

// evaluate materializes the fires of every enabled recurring schedule in
// [now-W, now]. Expired schedules are disabled first and never evaluated.
// Fires older than now-W are not recovered.
func (s *Service) evaluate(ctx context.Context, cfg Config, now time.Time) Report {
	var rep Report
	list, err := s.store.ListSchedules(ctx, storage.ScheduleFilter{EnabledOnly: true})
	if err != nil {
		s.log.Warn("list schedules failed", logx.Err(err))
		rep.Errors++
		return rep
	}

	from := now.Add(-cfg.CompensationWindow)
	for _, sc := range list {
		err := s.guard(ctx, "schedule "+sc.ID, func(ctx context.Context) error {
			if sc.Active.Expired(now) {
				return s.expire(ctx, sc, now, &rep)
			}
			if sc.Finite() {
				return nil
			}
			rep.Evaluated++
			n, err := s.evaluateSchedule(ctx, cfg, sc, from, now)
			rep.Created += n
			return err
		})
		if err != nil {
			rep.Errors++
			s.log.Warn("schedule skipped", logx.String("schedule_id", sc.ID), logx.Err(err))
		}
	}
	return rep
}

func (s *Service) evaluateSchedule(ctx context.Context, cfg Config, sc reminder.Schedule, from, to time.Time) (int, error) {
	rule, err := recurrence.Parse(sc.Expression)
	if err != nil {
		return 0, err
	}
	loc, err := location(sc, cfg)
	if err != nil {
		return 0, err
	}

	created := 0
	var errs []error
	for _, t := range rule.FiresBetween(from, to, loc) {
		if !sc.Active.Covers(t) {
			continue
		}
		_, ok, err := s.Materialize(ctx, sc, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (s *Service) expire(ctx context.Context, sc reminder.Schedule, now time.Time, rep *Report) error {
	ok, err := s.store.DisableSchedule(ctx, sc.ID, now)
	if err != nil {
		return err
	}
	if ok {
		rep.Expired++
		s.log.Info("schedule expired; disabled", logx.String("schedule_id", sc.ID), logx.Time("end", *sc.Active.End))
		s.publish(eventbus.ScheduleExpired, now, eventbus.Payload{ScheduleID: sc.ID, SubjectID: sc.SubjectID})
	}
	return nil
}

// Materialize returns the occurrence of sc at nominal, inserting it when
// none exists. created is true only for the caller whose insert landed;
// concurrent callers get the same stored row.
func (s *Service) Materialize(ctx context.Context, sc reminder.Schedule, nominal time.Time) (o reminder.Occurrence, created bool, err error) {
	existing, ok, err := s.store.FindOccurrence(ctx, sc.ID, nominal)
	if err != nil {
		return reminder.Occurrence{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	o = reminder.Occurrence{
		ID:          uuid.NewString(),
		ScheduleID:  sc.ID,
		SubjectID:   sc.SubjectID,
		NominalTime: nominal,
		Status:      reminder.StatusPending,
		CreatedAt:   s.now(),
	}
	inserted, err := s.store.InsertOccurrence(ctx, o)
	if err != nil {
		return reminder.Occurrence{}, false, err
	}
	if !inserted {
		// Another tick inserted it between our read and write.
		existing, ok, err = s.store.FindOccurrence(ctx, sc.ID, nominal)
		if err != nil {
			return reminder.Occurrence{}, false, err
		}
		if !ok {
			return reminder.Occurrence{}, false, fmt.Errorf("occurrence %s@%s vanished after conflict", sc.ID, nominal.UTC().Format(time.RFC3339))
		}
		return existing, false, nil
	}
	s.log.Debug("occurrence created", logx.String("schedule_id", sc.ID), logx.Time("nominal", nominal))
	s.publish(eventbus.OccurrenceCreated, o.CreatedAt, eventbus.Payload{ScheduleID: sc.ID, OccurrenceID: o.ID, SubjectID: sc.SubjectID})
	return o, true, nil
}

// location resolves the schedule timezone; empty falls back to the engine default.
func location(sc reminder.Schedule, cfg Config) (*time.Location, error) {
	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		if cfg.DefaultLocation != nil {
			return cfg.DefaultLocation, nil
		}
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
