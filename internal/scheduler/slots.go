package scheduler

import (
	"slices"
	"time"

	"hodl_index/internal/models"
)

// searchDays bounds slot scans. Every interval matches at least once a year.
const searchDays = 400

// rule decides which calendar days carry a slot and at what time.
type rule struct {
	iv     models.Interval
	anchor time.Time // civil date the plan counts from, midnight in loc
	hour   int
	minute int
	loc    *time.Location
}

// civilDay numbers calendar dates so that consecutive dates differ by one,
// regardless of DST.
func civilDay(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func mod(a, n int64) int64 {
	return ((a % n) + n) % n
}

func (r rule) matches(day time.Time) bool {
	switch r.iv.Kind {
	case models.Daily:
		return true
	case models.Weekly:
		return day.Weekday() == r.iv.Weekday
	case models.Biweekly:
		if day.Weekday() != r.iv.Weekday {
			return false
		}
		// First matching weekday on or after the anchor opens the cadence.
		first := civilDay(r.anchor) + mod(int64(r.iv.Weekday-r.anchor.Weekday()), 7)
		return mod(civilDay(day)-first, 14) == 0
	case models.DaysOfMonth:
		return slices.Contains(r.iv.Days, day.Day())
	case models.EveryNDays:
		diff := civilDay(day) - civilDay(r.anchor)
		return diff >= 0 && diff%int64(r.iv.N) == 0
	}
	return false
}

func (r rule) slotOn(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, r.hour, r.minute, 0, 0, r.loc)
}

func (r rule) dayAt(t time.Time, offset int) time.Time {
	y, m, d := t.In(r.loc).Date()
	return time.Date(y, m, d+offset, 0, 0, 0, 0, r.loc)
}

// Latest returns the most recent slot in (after, now].
func (r rule) Latest(after, now time.Time) (time.Time, bool) {
	for i := 0; i <= searchDays; i++ {
		day := r.dayAt(now, -i)
		slot := r.slotOn(day)
		if !slot.After(after) {
			return time.Time{}, false
		}
		if slot.After(now) || !r.matches(day) {
			continue
		}
		return slot, true
	}
	return time.Time{}, false
}

// Next returns the first slot strictly after t.
func (r rule) Next(t time.Time) (time.Time, bool) {
	for i := 0; i <= searchDays; i++ {
		day := r.dayAt(t, i)
		slot := r.slotOn(day)
		if slot.After(t) && r.matches(day) {
			return slot, true
		}
	}
	return time.Time{}, false
}
