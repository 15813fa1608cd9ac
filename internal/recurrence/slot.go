package recurrence

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// Slot is a wall-clock time of day.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

func (s Slot) minutes() int { return s.Hour*60 + s.Minute }

// On returns the instant of the slot on the calendar day of day (interpreted in loc).
func (s Slot) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, s.Hour, s.Minute, 0, 0, loc)
}

// ParseSlot parses "HH:MM" (24h).
func ParseSlot(raw string) (Slot, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Slot{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Slot{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return Slot{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Slot{Hour: h, Minute: m}, nil
}

// ParseSlots parses a list of "HH:MM" values into a sorted, de-duplicated slot list.
func ParseSlots(raw []string) ([]Slot, error) {
	seen := make(map[int]struct{}, len(raw))
	out := make([]Slot, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		sl, err := ParseSlot(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[sl.minutes()]; dup {
			continue
		}
		seen[sl.minutes()] = struct{}{}
		out = append(out, sl)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one time slot required")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].minutes() < out[j].minutes() })
	return out, nil
}

// DayBounds returns [start, end) of the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
