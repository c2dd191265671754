package recur

import "time"

// monthSearchLimit bounds the month-by-month search for monthly rules so a
// rule restricted to an impossible day set still terminates.
const monthSearchLimit = 48

// NextOccurrence computes the next occurrence of the rule strictly after
// from. The second return value is false when the rule yields no further
// occurrence (past the end date, or no eligible day within the search caps).
func NextOccurrence(r Rule, from time.Time) (time.Time, bool) {
	from = from.UTC()

	var next time.Time
	var ok bool
	switch {
	case r.Daily != nil:
		next, ok = nextDaily(r.Daily, from)
	case r.Weekly != nil:
		next, ok = nextWeekly(r.Weekly, from)
	case r.Monthly != nil:
		next, ok = nextMonthly(r.Monthly, from)
	default:
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	if r.EndDate != nil && next.After(*r.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

func (u SubUnit) duration(n int) time.Duration {
	switch u {
	case SubHours:
		return time.Duration(n) * time.Hour
	case SubMinutes:
		return time.Duration(n) * time.Minute
	}
	return 0
}

// nextDaily advances by the sub-interval while the next slot stays within the
// current day, otherwise jumps EveryDays forward to the cycle's first slot.
// Without a sub-interval it is a plain N-day addition preserving the
// time of day.
func nextDaily(d *Daily, from time.Time) (time.Time, bool) {
	if d.SubEvery > 0 {
		sub := d.SubUnit.duration(d.SubEvery)
		if sub <= 0 {
			return time.Time{}, false
		}
		cand := from.Add(sub)
		if sameDay(cand, from) {
			return cand, true
		}
		// Day exhausted: the first slot of the cycle on the next eligible
		// day. Slots repeat every sub from midnight, so the first slot is
		// the time-of-day remainder modulo sub.
		first := timeOfDay(from) % sub
		day := startOfDay(from.AddDate(0, 0, d.EveryDays))
		return day.Add(first), true
	}
	return from.AddDate(0, 0, d.EveryDays), true
}

// nextWeekly walks day by day from the day after from, accepting the first
// flagged weekday that falls in a week whose index relative to the anchor
// week is a multiple of EveryWeeks. The search is capped at 7×EveryWeeks days
// to guarantee termination.
func nextWeekly(w *Weekly, from time.Time) (time.Time, bool) {
	anchor := w.Anchor
	if anchor.IsZero() {
		anchor = from
	}
	anchorWeek := startOfWeek(anchor)

	limit := 7 * w.EveryWeeks
	for i := 1; i <= limit; i++ {
		cand := from.AddDate(0, 0, i)
		if !weekdayIn(w.Days, cand.Weekday()) {
			continue
		}
		weeks := int(startOfWeek(cand).Sub(anchorWeek) / (7 * 24 * time.Hour))
		if mod(weeks, w.EveryWeeks) == 0 {
			return cand, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(m *Monthly, from time.Time) (time.Time, bool) {
	if len(m.DaysOfMonth) > 0 {
		return nextMonthlyByDay(m, from)
	}
	if len(m.Ordinals) > 0 {
		return nextMonthlyByOrdinal(m, from)
	}
	return time.Time{}, false
}

// nextMonthlyByDay picks the smallest configured day-of-month strictly after
// from, advancing month by month (skipping months outside the allowed set)
// and clamping the LastDay marker to the target month's length. Configured
// days beyond a short month's length simply do not occur in that month.
func nextMonthlyByDay(m *Monthly, from time.Time) (time.Time, bool) {
	year, month, _ := from.Date()
	for i := 0; i < monthSearchLimit; i++ {
		y, mo := addMonths(year, month, i)
		if !monthAllowed(m.Months, mo) {
			continue
		}
		length := daysIn(y, mo)
		best := 0
		for _, d := range m.DaysOfMonth {
			day := d
			if day == LastDay {
				day = length
			}
			if day > length {
				continue
			}
			cand := withClock(time.Date(y, mo, day, 0, 0, 0, 0, time.UTC), from)
			if cand.After(from) && (best == 0 || day < best) {
				best = day
			}
		}
		if best != 0 {
			return withClock(time.Date(y, mo, best, 0, 0, 0, 0, time.UTC), from), true
		}
	}
	return time.Time{}, false
}

// nextMonthlyByOrdinal resolves each configured (ordinal, weekday) pair in
// the next eligible month and returns the earliest resolved date after from.
func nextMonthlyByOrdinal(m *Monthly, from time.Time) (time.Time, bool) {
	year, month, _ := from.Date()
	for i := 0; i < monthSearchLimit; i++ {
		y, mo := addMonths(year, month, i)
		if !monthAllowed(m.Months, mo) {
			continue
		}
		var best time.Time
		for _, od := range m.Ordinals {
			day, ok := ordinalDay(y, mo, od)
			if !ok {
				continue
			}
			cand := withClock(time.Date(y, mo, day, 0, 0, 0, 0, time.UTC), from)
			if cand.After(from) && (best.IsZero() || cand.Before(best)) {
				best = cand
			}
		}
		if !best.IsZero() {
			return best, true
		}
	}
	return time.Time{}, false
}

// ordinalDay returns the day of month for the Nth (or last) weekday of the
// given month. ok is false when the month has no Nth such weekday.
func ordinalDay(year int, month time.Month, od OrdinalDay) (int, bool) {
	length := daysIn(year, month)
	if od.Ordinal == Last {
		for day := length; day >= 1; day-- {
			if time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Weekday() == od.Weekday {
				return day, true
			}
		}
		return 0, false
	}
	count := 0
	for day := 1; day <= length; day++ {
		if time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Weekday() == od.Weekday {
			count++
			if count == int(od.Ordinal) {
				return day, true
			}
		}
	}
	return 0, false
}

func monthAllowed(allowed []time.Month, m time.Month) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == m {
			return true
		}
	}
	return false
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	idx := (int(month) - 1) + n
	return year + idx/12, time.Month(idx%12 + 1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timeOfDay(t time.Time) time.Duration {
	return t.Sub(startOfDay(t))
}

// startOfWeek returns midnight of the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return d.AddDate(0, 0, -offset)
}

// withClock copies the time of day from src onto date.
func withClock(date, src time.Time) time.Time {
	return startOfDay(date).Add(timeOfDay(src))
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
