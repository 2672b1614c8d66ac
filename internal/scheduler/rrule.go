package scheduler

import (
	"fmt"
	"time"

	rrule "github.com/teambition/rrule-go"
)

// expandRule expands an iCalendar recurrence rule anchored at start into the
// concrete instances falling in [from, until], dropping exception dates and
// capped at maxInstances. Seeding at the window start rather than DTSTART
// keeps a rule with years of history from spending the cap on occurrences
// that can never fire. Instances are returned in chronological order.
func expandRule(rule string, start, from, until time.Time, exceptions []time.Time) ([]time.Time, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse rule %q: %w", rule, err)
	}
	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("scheduler: build rule %q: %w", rule, err)
	}

	excluded := make(map[int64]struct{}, len(exceptions))
	for _, ex := range exceptions {
		excluded[ex.Unix()] = struct{}{}
	}

	var out []time.Time
	for _, inst := range r.Between(from, until, true) {
		if len(out) == maxInstances {
			break
		}
		if _, skip := excluded[inst.Unix()]; skip {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}
