package recurrence

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule expression.
type Kind int

const (
	KindCron Kind = iota
	KindDaily
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindDaily:
		return "daily"
	default:
		return "unknown"
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rule is a parsed schedule expression. A rule may be the union of several cron
// schedules (one per daily slot).
type Rule struct {
	Kind   Kind
	Source string
	Slots  []Slot // KindDaily only

	scheds []cron.Schedule
}

// Parse parses a schedule expression.
//
// Supported forms:
//   - Cron (crontab.guru-style): "0 8,12,17 * * *", "30 7 * * 1-5", "@daily"
//   - Daily slot list: "daily:08:00,12:30,17:00" or just "08:00,12:30"
//
// Optional prefix "cron:" forces cron parsing.
//
// "@every" intervals are rejected: their fire instants depend on when the
// process started, so nominal times would not be stable across ticks.
// Timezone prefixes (CRON_TZ=, TZ=) are rejected too; the schedule carries its own timezone.
func Parse(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("schedule expression required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "daily:") {
		return parseDaily(strings.TrimSpace(s[len("daily:"):]))
	}
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Rule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return parseCron(expr)
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	// - otherwise a comma separated list of HH:MM slots
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(strings.Split(s, ",")[0]) {
		return parseDaily(s)
	}

	return Rule{}, fmt.Errorf(
		"invalid schedule expression %q (use cron like '0 8 * * *' or daily slots like 'daily:08:00,20:00')",
		raw,
	)
}

func parseCron(expr string) (Rule, error) {
	low := strings.ToLower(expr)
	if strings.HasPrefix(low, "@every") {
		return Rule{}, fmt.Errorf("interval expression %q is not anchored to wall-clock time", expr)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return Rule{}, fmt.Errorf("timezone prefix not allowed in %q; set the schedule timezone instead", expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Rule{Kind: KindCron, Source: expr, scheds: []cron.Schedule{sched}}, nil
}

func parseDaily(list string) (Rule, error) {
	slots, err := ParseSlots(strings.Split(list, ","))
	if err != nil {
		return Rule{}, err
	}
	scheds := make([]cron.Schedule, 0, len(slots))
	parts := make([]string, 0, len(slots))
	for _, sl := range slots {
		sched, err := parser.Parse(fmt.Sprintf("%d %d * * *", sl.Minute, sl.Hour))
		if err != nil {
			return Rule{}, err
		}
		scheds = append(scheds, sched)
		parts = append(parts, sl.String())
	}
	return Rule{Kind: KindDaily, Source: "daily:" + strings.Join(parts, ","), Slots: slots, scheds: scheds}, nil
}

// Validate reports whether raw parses.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}
