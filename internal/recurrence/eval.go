package recurrence

import (
	"sort"
	"time"
)

// MaxFires bounds every expansion loop. A rule firing every second over a
// five minute window stays well below it.
const MaxFires = 10000

// FiresBetween returns every nominal fire instant of the rule in [from, to]
// (both inclusive), evaluated as wall-clock time in loc. The result is sorted
// and free of duplicates.
func (r Rule) FiresBetween(from, to time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if len(r.scheds) == 0 || to.Before(from) {
		return nil
	}
	start := ceilSecond(from).In(loc)
	end := to.In(loc)

	seen := make(map[int64]struct{})
	var out []time.Time
	for _, s := range r.scheds {
		// Next is strictly-after and works at second resolution, so step back
		// one second to include start itself.
		t := s.Next(start.Add(-time.Second))
		for n := 0; !t.IsZero() && !t.After(end) && n < MaxFires; n++ {
			k := t.UnixNano()
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, t)
			}
			t = s.Next(t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NextN returns the next n fire instants strictly after after.
func (r Rule) NextN(after time.Time, loc *time.Location, n int) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if n <= 0 || len(r.scheds) == 0 {
		return nil
	}
	cur := after.In(loc)
	out := make([]time.Time, 0, n)
	for len(out) < n {
		var best time.Time
		for _, s := range r.scheds {
			t := s.Next(cur)
			if t.IsZero() {
				continue
			}
			if best.IsZero() || t.Before(best) {
				best = t
			}
		}
		if best.IsZero() {
			break
		}
		out = append(out, best)
		cur = best
	}
	return out
}

func ceilSecond(t time.Time) time.Time {
	tr := t.Truncate(time.Second)
	if tr.Before(t) {
		return tr.Add(time.Second)
	}
	return tr
}
