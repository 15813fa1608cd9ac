package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var planPresets = map[string][]string{
	"once_daily":        {"08:00"},
	"twice_daily":       {"08:00", "20:00"},
	"three_times_daily": {"08:00", "14:00", "20:00"},
	"four_times_daily":  {"08:00", "12:00", "16:00", "20:00"},
	"every_4h":          {"00:00", "04:00", "08:00", "12:00", "16:00", "20:00"},
	"every_6h":          {"00:00", "06:00", "12:00", "18:00"},
	"every_8h":          {"00:00", "08:00", "16:00"},
	"every_12h":         {"08:00", "20:00"},
	"bedtime":           {"21:00"},
}

// Plans lists the preset plan names, sorted.
func Plans() []string {
	out := make([]string, 0, len(planPresets))
	for k := range planPresets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PlanSlots resolves the daily slots of a course: explicit times win over the preset.
func PlanSlots(plan string, times []string) ([]Slot, error) {
	if len(times) > 0 {
		return ParseSlots(times)
	}
	p := strings.ToLower(strings.TrimSpace(plan))
	if p == "" {
		return nil, fmt.Errorf("course plan or times required")
	}
	preset, ok := planPresets[p]
	if !ok {
		return nil, fmt.Errorf("unknown course plan %q (known: %s)", plan, strings.Join(Plans(), ", "))
	}
	return ParseSlots(preset)
}

// ExpandSlots returns the first n slot instants at or after from, walking
// calendar days in loc. Instants for which skip returns true are passed over
// and do not count towards n.
func ExpandSlots(slots []Slot, from time.Time, loc *time.Location, n int, skip func(time.Time) bool) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if n <= 0 || len(slots) == 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	day, _ := DayBounds(from, loc)
	for days := 0; len(out) < n && days < MaxFires; days++ {
		for _, sl := range slots {
			t := sl.On(day, loc)
			if t.Before(from) {
				continue
			}
			if skip != nil && skip(t) {
				continue
			}
			out = append(out, t)
			if len(out) == n {
				break
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}
