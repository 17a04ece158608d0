package scheduler

import (
	"time"

	"github.com/pkg/errors"
)

// Gate decides, before each submission, whether a job expected to run for
// expected may start at now.
type Gate interface {
	Allow(now time.Time, expected time.Duration) bool
}

// AlwaysOpen never refuses.
type AlwaysOpen struct{}

func (AlwaysOpen) Allow(time.Time, time.Duration) bool { return true }

// DaytimeWindow refuses jobs whose run would cross the start or the end of
// the working day. DayStart and DayEnd are offsets from midnight in Location
// (time.Local when nil).
type DaytimeWindow struct {
	DayStart time.Duration
	DayEnd   time.Duration
	Location *time.Location
}

func (w DaytimeWindow) Allow(now time.Time, expected time.Duration) bool {
	if expected >= 24*time.Hour {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	start := now.In(loc)
	end := start.Add(expected)
	y, m, d := start.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	for day := 0; day <= 1; day++ {
		base := midnight.AddDate(0, 0, day)
		for _, offset := range []time.Duration{w.DayStart, w.DayEnd} {
			b := base.Add(offset)
			if b.After(start) && b.Before(end) {
				return false
			}
		}
	}
	return true
}

// ParseTimeOfDay reads "HH:MM" as an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Errorf("time of day %q: want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
