package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BusinessHours is a daily window [Start, End) in minutes after local midnight,
// applied on Days. An empty Days slice means every day.
type BusinessHours struct {
	Start int
	End   int
	Days  []time.Weekday
}

// DefaultBusinessHours is 09:00-18:00, Monday to Friday.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		Start: 9 * 60,
		End:   18 * 60,
		Days:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// Contains reports whether t falls inside the window in loc.
func (bh BusinessHours) Contains(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if !bh.isBusinessDay(local.Weekday()) {
		return false
	}
	open, closing := bh.window(local, loc)
	return !local.Before(open) && local.Before(closing)
}

// Next returns t if it is inside business hours, otherwise the next opening.
// The result is never earlier than t.
func (bh BusinessHours) Next(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if bh.End <= bh.Start {
		return t
	}
	local := t.In(loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !bh.isBusinessDay(day.Weekday()) {
			continue
		}
		open, closing := bh.window(day, loc)
		if i == 0 {
			if local.Before(open) {
				return open.UTC()
			}
			if local.Before(closing) {
				return t
			}
			continue
		}
		return open.UTC()
	}
	return t
}

// NextOpening returns the first window opening strictly after t.
func (bh BusinessHours) NextOpening(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !bh.isBusinessDay(day.Weekday()) {
			continue
		}
		open, _ := bh.window(day, loc)
		if open.After(local) {
			return open.UTC()
		}
	}
	return t.Add(24 * time.Hour)
}

func (bh BusinessHours) window(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.Date()
	open := time.Date(y, m, d, bh.Start/60, bh.Start%60, 0, 0, loc)
	closing := time.Date(y, m, d, bh.End/60, bh.End%60, 0, 0, loc)
	return open, closing
}

func (bh BusinessHours) isBusinessDay(wd time.Weekday) bool {
	if len(bh.Days) == 0 {
		return true
	}
	for _, d := range bh.Days {
		if d == wd {
			return true
		}
	}
	return false
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekday accepts English day names or their three-letter prefix.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if len(key) >= 3 {
		key = key[:3]
	}
	wd, ok := weekdays[key]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return wd, nil
}
