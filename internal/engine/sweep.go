package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/reminder"
	logx "carecue/pkg/logx"
)

// sweep moves pending occurrences past their schedule's missed threshold to
// missed. An acknowledgement stored before the conditional update wins.
//
// Escalation runs over the occurrences missed in this pass plus missed ones
// still lacking escalated_at within the retry window, so a store error
// between the two writes is picked up by a later sweep.
func (s *Service) sweep(ctx context.Context, cfg Config, now time.Time) Report {
	var rep Report
	overdue, err := s.store.ListOverdue(ctx, now, cfg.BatchSize)
	if err != nil {
		s.log.Warn("list overdue failed", logx.Err(err))
		rep.Errors++
		return rep
	}

	fresh := make(map[string]bool, len(overdue))
	var candidates []reminder.Occurrence
	for _, o := range overdue {
		err := s.guard(ctx, "occurrence "+o.ID, func(ctx context.Context) error {
			ok, err := s.store.MarkMissed(ctx, o.ID)
			if err != nil || !ok {
				return err
			}
			rep.Missed++
			s.publish(eventbus.OccurrenceMissed, now, eventbus.Payload{ScheduleID: o.ScheduleID, OccurrenceID: o.ID, SubjectID: o.SubjectID})
			o.Status = reminder.StatusMissed
			fresh[o.ID] = true
			candidates = append(candidates, o)
			return nil
		})
		if err != nil {
			rep.Errors++
			s.log.Warn("sweep item failed", logx.String("occurrence_id", o.ID), logx.Err(err))
		}
	}

	retry, err := s.store.ListUnescalatedMissed(ctx, now.Add(-cfg.EscalationRetryWindow), cfg.BatchSize)
	if err != nil {
		s.log.Warn("list unescalated missed failed", logx.Err(err))
		rep.Errors++
	}
	for _, o := range retry {
		if !fresh[o.ID] {
			candidates = append(candidates, o)
		}
	}

	schedules := make(map[string]reminder.Schedule)
	for _, o := range candidates {
		err := s.guard(ctx, "escalation "+o.ID, func(ctx context.Context) error {
			sc, ok := schedules[o.ScheduleID]
			if !ok {
				got, err := s.store.GetSchedule(ctx, o.ScheduleID)
				if errors.Is(err, reminder.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				sc = got
				schedules[o.ScheduleID] = sc
			}
			if !sc.EscalationEnabled {
				return nil
			}
			escalated, err := s.escalate(ctx, cfg, sc, o, now, fresh[o.ID])
			if escalated {
				rep.Escalated++
			}
			return err
		})
		if err != nil {
			rep.Errors++
			s.log.Warn("escalation failed", logx.String("occurrence_id", o.ID), logx.Err(err))
		}
	}
	return rep
}

type escalationTarget struct {
	recipient reminder.Recipient
	push      bool
	email     bool
}

// escalate alerts the subject's care links once. escalated_at is claimed
// before the first send so overlapping sweeps cannot alert twice; it stays
// null when nobody can be reached. Failed sends are never retried. fresh
// marks an occurrence missed in the current pass; later re-checks of the
// same occurrence log quietly.
func (s *Service) escalate(ctx context.Context, cfg Config, sc reminder.Schedule, o reminder.Occurrence, now time.Time, fresh bool) (bool, error) {
	if o.EscalatedAt != nil {
		return false, nil
	}
	recipients, err := s.store.ListRecipients(ctx, o.SubjectID, true)
	if err != nil {
		return false, err
	}
	targets := make([]escalationTarget, 0, len(recipients))
	for _, r := range recipients {
		t := escalationTarget{
			recipient: r,
			push:      s.push != nil && r.PushToken != "",
			email:     s.email != nil && r.Email != "",
		}
		if t.push || t.email {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		fields := []logx.Field{logx.String("occurrence_id", o.ID), logx.String("subject_id", o.SubjectID)}
		if fresh {
			s.log.Info("missed occurrence has no escalation recipients", fields...)
		} else {
			s.log.Debug("no escalation recipients", fields...)
		}
		return false, nil
	}

	claimed, err := s.store.MarkEscalated(ctx, o.ID, now)
	if err != nil || !claimed {
		return false, err
	}

	loc, lerr := location(sc, cfg)
	if lerr != nil {
		loc = cfg.DefaultLocation
	}
	when := o.NominalTime.In(loc).Format(nominalLayout)
	title := occurrenceTitle(sc, o)

	var errs []error
	sent := 0
	for _, t := range targets {
		if t.push {
			res := s.push.Send(ctx, t.recipient.PushToken, "Missed: "+title, o.SubjectID+" has not confirmed "+title+" scheduled for "+when,
				map[string]string{"occurrence_id": o.ID, "subject_id": o.SubjectID, "kind": "escalation"})
			if res.Success {
				sent++
			} else {
				s.logSendFailure("push", o, res)
				errs = append(errs, res.Err)
			}
		}
		if t.email {
			res := s.email.SendTemplate(ctx, t.recipient.Email, notify.TemplateEscalation, map[string]string{
				"title":        title,
				"nominal_time": when,
				"subject":      o.SubjectID,
				"recipient":    t.recipient.Name,
			})
			if res.Success {
				sent++
			} else {
				s.logSendFailure("email", o, res)
				errs = append(errs, res.Err)
			}
		}
	}

	s.log.Info("occurrence escalated",
		logx.String("occurrence_id", o.ID),
		logx.Int("recipients", len(targets)),
		logx.Int("sent", sent),
	)
	s.publish(eventbus.OccurrenceEscalated, now, eventbus.Payload{
		ScheduleID:   o.ScheduleID,
		OccurrenceID: o.ID,
		SubjectID:    o.SubjectID,
		Detail:       escalationDetail(len(targets), sent),
	})
	if sent == 0 && len(errs) > 0 {
		s.log.Warn("escalation sends all failed", logx.String("occurrence_id", o.ID), logx.Err(errors.Join(errs...)))
	}
	return true, nil
}

func escalationDetail(recipients, sent int) string {
	return fmt.Sprintf("recipients=%d sent=%d", recipients, sent)
}
