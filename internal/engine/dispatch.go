package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/reminder"
	logx "carecue/pkg/logx"
)

const nominalLayout = "Mon 02 Jan 15:04 MST"

// dispatch delivers every pending, undelivered occurrence that is due. A
// failed occurrence stays undelivered and is retried next tick until the
// sweeper marks it missed. Occurrences of disabled schedules are left alone.
func (s *Service) dispatch(ctx context.Context, cfg Config, now time.Time) Report {
	var rep Report
	due, err := s.store.ListDispatchable(ctx, now, cfg.BatchSize)
	if err != nil {
		s.log.Warn("list dispatchable failed", logx.Err(err))
		rep.Errors++
		return rep
	}

	// Lookups are shared within this pass only.
	schedules := make(map[string]reminder.Schedule)
	for _, o := range due {
		err := s.guard(ctx, "occurrence "+o.ID, func(ctx context.Context) error {
			sc, ok := schedules[o.ScheduleID]
			if !ok {
				got, err := s.store.GetSchedule(ctx, o.ScheduleID)
				if errors.Is(err, reminder.ErrNotFound) {
					s.log.Debug("occurrence without schedule; skipping", logx.String("occurrence_id", o.ID))
					return nil
				}
				if err != nil {
					return err
				}
				sc = got
				schedules[o.ScheduleID] = sc
			}
			if !sc.Enabled {
				s.log.Debug("schedule disabled; not delivering", logx.String("occurrence_id", o.ID), logx.String("schedule_id", sc.ID))
				return nil
			}
			delivered, err := s.deliver(ctx, cfg, sc, o, now)
			if err != nil {
				return err
			}
			if delivered {
				rep.Delivered++
			} else {
				rep.DeliveryFailed++
			}
			return nil
		})
		if err != nil {
			rep.Errors++
			s.log.Warn("dispatch failed", logx.String("occurrence_id", o.ID), logx.Err(err))
		}
	}
	return rep
}

// deliver tries every enabled channel of sc independently. The occurrence
// counts as delivered when at least one channel succeeded.
func (s *Service) deliver(ctx context.Context, cfg Config, sc reminder.Schedule, o reminder.Occurrence, now time.Time) (bool, error) {
	contact, found, err := s.store.GetContact(ctx, o.SubjectID)
	if err != nil {
		return false, err
	}
	if !found {
		s.log.Debug("no contact for subject", logx.String("subject_id", o.SubjectID))
		return false, nil
	}

	loc, err := location(sc, cfg)
	if err != nil {
		loc = cfg.DefaultLocation
	}
	when := o.NominalTime.In(loc).Format(nominalLayout)
	title := occurrenceTitle(sc, o)

	var okChannels []string
	attempted := 0
	if sc.Channels.Push && s.push != nil && contact.PushToken != "" {
		attempted++
		meta := map[string]string{
			"occurrence_id": o.ID,
			"schedule_id":   o.ScheduleID,
			"nominal_time":  o.NominalTime.UTC().Format(time.RFC3339),
		}
		if o.SequenceIndex != nil {
			meta["sequence_index"] = strconv.Itoa(*o.SequenceIndex)
		}
		res := s.push.Send(ctx, contact.PushToken, title, "Scheduled for "+when, meta)
		if res.Success {
			okChannels = append(okChannels, "push")
		} else {
			s.logSendFailure("push", o, res)
		}
	}
	if sc.Channels.Email && s.email != nil && contact.Email != "" {
		attempted++
		res := s.email.SendTemplate(ctx, contact.Email, notify.TemplateReminder, map[string]string{
			"title":        title,
			"nominal_time": when,
			"subject":      o.SubjectID,
		})
		if res.Success {
			okChannels = append(okChannels, "email")
		} else {
			s.logSendFailure("email", o, res)
		}
	}

	if attempted == 0 {
		s.log.Debug("no deliverable channel", logx.String("occurrence_id", o.ID), logx.String("subject_id", o.SubjectID))
		return false, nil
	}
	if len(okChannels) == 0 {
		return false, nil
	}

	if err := s.store.MarkDelivered(ctx, o.ID, now); err != nil {
		return false, err
	}
	// Not transactional with delivery; drift is accepted.
	if err := s.store.IncrementFiredCount(ctx, sc.ID); err != nil {
		s.log.Warn("fired count not incremented", logx.String("schedule_id", sc.ID), logx.Err(err))
	}
	s.publish(eventbus.OccurrenceDelivered, now, eventbus.Payload{
		ScheduleID:   o.ScheduleID,
		OccurrenceID: o.ID,
		SubjectID:    o.SubjectID,
		Detail:       strings.Join(okChannels, ","),
	})
	return true, nil
}

func (s *Service) logSendFailure(channel string, o reminder.Occurrence, res notify.Result) {
	fields := []logx.Field{
		logx.String("channel", channel),
		logx.String("error_kind", res.ErrorKind),
		logx.String("occurrence_id", o.ID),
		logx.String("subject_id", o.SubjectID),
	}
	if res.Err != nil {
		fields = append(fields, logx.Err(res.Err))
	}
	if res.ErrorKind == notify.KindInvalidToken {
		s.log.Warn("channel token rejected", fields...)
		return
	}
	s.log.Warn("send failed", fields...)
}

// occurrenceTitle is the schedule title, suffixed with the dose label for courses.
func occurrenceTitle(sc reminder.Schedule, o reminder.Occurrence) string {
	if o.SequenceLabel != nil && *o.SequenceLabel != "" {
		return fmt.Sprintf("%s (%s)", sc.Title, *o.SequenceLabel)
	}
	return sc.Title
}
