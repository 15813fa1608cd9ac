package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carecue/internal/eventbus"
	"carecue/internal/recurrence"
	"carecue/internal/reminder"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

// CourseLabel is the sequence label of dose index of a course named name.
func CourseLabel(name string, index int) string {
	return fmt.Sprintf("%s-%d", name, index)
}

// GenerateCourse inserts the occurrences a finite schedule is still missing,
// walking its daily slots from anchor. Slots already behind the clock are
// included; the sweeper ages them out.
//
// Rows that already exist (settled history, or anything not purged) count
// towards the total and keep their sequence index. New rows take the
// smallest unused indices in chronological order.
func (s *Service) GenerateCourse(ctx context.Context, sc reminder.Schedule, anchor time.Time) (int, error) {
	if !sc.Finite() {
		return 0, nil
	}
	course := sc.Course
	slots, err := recurrence.PlanSlots(course.Plan, course.Times)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", reminder.ErrInvalidSchedule, err)
	}
	loc, err := location(sc, s.config())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", reminder.ErrInvalidSchedule, err)
	}

	existing, err := s.store.ListOccurrences(ctx, storage.OccurrenceFilter{ScheduleID: sc.ID})
	if err != nil {
		return 0, err
	}
	remaining := course.TotalOccurrences - len(existing)
	if remaining <= 0 {
		return 0, nil
	}

	taken := make(map[int64]struct{}, len(existing))
	used := make(map[int]struct{}, len(existing))
	for _, o := range existing {
		taken[o.NominalTime.UnixMilli()] = struct{}{}
		if o.SequenceIndex != nil {
			used[*o.SequenceIndex] = struct{}{}
		}
	}
	instants := recurrence.ExpandSlots(slots, anchor, loc, remaining, func(t time.Time) bool {
		_, ok := taken[t.UnixMilli()]
		return ok
	})

	now := s.now()
	rows := make([]reminder.Occurrence, 0, len(instants))
	next := 1
	for _, t := range instants {
		for {
			if _, ok := used[next]; !ok {
				break
			}
			next++
		}
		idx := next
		used[idx] = struct{}{}
		label := CourseLabel(sc.Title, idx)
		rows = append(rows, reminder.Occurrence{
			ID:            uuid.NewString(),
			ScheduleID:    sc.ID,
			SubjectID:     sc.SubjectID,
			NominalTime:   t,
			Status:        reminder.StatusPending,
			SequenceIndex: &idx,
			SequenceLabel: &label,
			CreatedAt:     now,
		})
	}

	n, err := s.store.InsertOccurrences(ctx, rows)
	if err != nil {
		return 0, err
	}
	s.log.Debug("course generated",
		logx.String("schedule_id", sc.ID),
		logx.Int("inserted", n),
		logx.Int("kept", len(existing)),
		logx.Int("total", course.TotalOccurrences),
	)
	if n > 0 {
		s.publish(eventbus.OccurrenceCreated, now, eventbus.Payload{
			ScheduleID: sc.ID,
			SubjectID:  sc.SubjectID,
			Detail:     fmt.Sprintf("course rows=%d", n),
		})
	}
	return n, nil
}
