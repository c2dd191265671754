// Package recur evaluates declarative recurrence rules for tasks. Evaluation
// is pure: no I/O, no clock access, deterministic for a given rule and
// reference time.
package recur

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// SubUnit is the unit of a daily rule's intra-day sub-interval.
type SubUnit string

const (
	SubHours   SubUnit = "hours"
	SubMinutes SubUnit = "minutes"
)

// LastDay marks "the last day of the month" in a monthly day-of-month set.
const LastDay = 32

// Ordinal selects the Nth occurrence of a weekday within a month.
type Ordinal int

const (
	First  Ordinal = 1
	Second Ordinal = 2
	Third  Ordinal = 3
	Fourth Ordinal = 4
	Last   Ordinal = -1
)

// Daily repeats every N days, optionally at a finer intra-day interval.
type Daily struct {
	EveryDays int     `json:"every_days" validate:"min=1"`
	SubEvery  int     `json:"sub_every,omitempty" validate:"min=0"`
	SubUnit   SubUnit `json:"sub_unit,omitempty" validate:"omitempty,oneof=hours minutes"`
}

// Weekly repeats on a set of weekdays every N weeks. Anchor fixes the week
// numbering: occurrences only fall in weeks whose index relative to the
// anchor's week is a multiple of EveryWeeks.
type Weekly struct {
	EveryWeeks int            `json:"every_weeks" validate:"min=1"`
	Days       []time.Weekday `json:"days" validate:"min=1"`
	Anchor     time.Time      `json:"anchor"`
}

// OrdinalDay is an (ordinal, weekday) pair such as "second Tuesday".
type OrdinalDay struct {
	Ordinal Ordinal      `json:"ordinal"`
	Weekday time.Weekday `json:"weekday"`
}

// Monthly repeats either on fixed days of the month (DaysOfMonth, which may
// include LastDay) or on ordinal weekdays (Ordinals). Months, when non-empty,
// restricts occurrences to those calendar months.
type Monthly struct {
	DaysOfMonth []int        `json:"days_of_month,omitempty" validate:"dive,min=1,max=32"`
	Ordinals    []OrdinalDay `json:"ordinals,omitempty"`
	Months      []time.Month `json:"months,omitempty" validate:"dive,min=1,max=12"`
}

// Rule is a tagged union over daily, weekly and monthly recurrence. Exactly
// one payload must be populated.
type Rule struct {
	Daily   *Daily     `json:"daily,omitempty"`
	Weekly  *Weekly    `json:"weekly,omitempty"`
	Monthly *Monthly   `json:"monthly,omitempty"`
	EndDate *time.Time `json:"end_date,omitempty"`
}

var validate = validator.New()

// Validate checks rule invariants: exactly one payload populated, weekly day
// set non-empty, monthly payload using exactly one selection form. Rules are
// validated eagerly at load so malformed rules fail fast rather than at
// evaluation time.
func (r Rule) Validate() error {
	populated := 0
	if r.Daily != nil {
		populated++
	}
	if r.Weekly != nil {
		populated++
	}
	if r.Monthly != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("recurrence rule must have exactly one of daily, weekly, monthly (got %d)", populated)
	}

	switch {
	case r.Daily != nil:
		if err := validate.Struct(r.Daily); err != nil {
			return fmt.Errorf("daily rule: %w", err)
		}
		if r.Daily.SubEvery > 0 && r.Daily.SubUnit == "" {
			return fmt.Errorf("daily rule: sub interval requires a unit")
		}
	case r.Weekly != nil:
		if err := validate.Struct(r.Weekly); err != nil {
			return fmt.Errorf("weekly rule: %w", err)
		}
		for _, d := range r.Weekly.Days {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("weekly rule: invalid weekday %d", d)
			}
		}
		// An anchored weekly rule fixes its own first occurrence, so an end
		// date before it means the rule can never fire.
		if r.EndDate != nil && !r.Weekly.Anchor.IsZero() {
			open := r
			open.EndDate = nil
			first, ok := NextOccurrence(open, r.Weekly.Anchor)
			if !ok || first.After(*r.EndDate) {
				return fmt.Errorf("weekly rule: end date %s precedes the first occurrence",
					r.EndDate.Format("2006-01-02"))
			}
		}
	case r.Monthly != nil:
		if err := validate.Struct(r.Monthly); err != nil {
			return fmt.Errorf("monthly rule: %w", err)
		}
		hasDays := len(r.Monthly.DaysOfMonth) > 0
		hasOrdinals := len(r.Monthly.Ordinals) > 0
		if hasDays == hasOrdinals {
			return fmt.Errorf("monthly rule must use exactly one of days-of-month or ordinal weekdays")
		}
		for _, od := range r.Monthly.Ordinals {
			if od.Ordinal != Last && (od.Ordinal < First || od.Ordinal > Fourth) {
				return fmt.Errorf("monthly rule: invalid ordinal %d", od.Ordinal)
			}
			if od.Weekday < time.Sunday || od.Weekday > time.Saturday {
				return fmt.Errorf("monthly rule: invalid weekday %d", od.Weekday)
			}
		}
	}
	return nil
}
