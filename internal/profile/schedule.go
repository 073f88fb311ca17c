// ABOUTME: Weekly schedule windows evaluated in the tenant's local time zone
// ABOUTME: Answers "open now?" and "when did the current closed period start?"

package profile

import (
	"fmt"
	"strings"
	"time"
)

// Window is an opening period on one weekday. A Close at or before Open
// runs past midnight into the next day.
type Window struct {
	Day   string `json:"day"`   // mon, tue, wed, thu, fri, sat, sun
	Open  string `json:"open"`  // HH:MM
	Close string `json:"close"` // HH:MM
}

// Schedule is the weekly availability of automated replies.
type Schedule struct {
	Mode                ScheduleMode `json:"mode"`
	Windows             []Window     `json:"windows,omitempty"`
	OutsideHoursMessage string       `json:"outside_hours_message,omitempty"`
}

// DefaultBusinessHours applies to business_hours mode when no windows are set.
var DefaultBusinessHours = []Window{
	{Day: "mon", Open: "09:00", Close: "18:00"},
	{Day: "tue", Open: "09:00", Close: "18:00"},
	{Day: "wed", Open: "09:00", Close: "18:00"},
	{Day: "thu", Open: "09:00", Close: "18:00"},
	{Day: "fri", Open: "09:00", Close: "18:00"},
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

type span struct {
	day         time.Weekday
	open, close time.Duration // offsets from local midnight; close may exceed 24h
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w Window) span() (span, error) {
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(w.Day))]
	if !ok {
		return span{}, fmt.Errorf("invalid day %q", w.Day)
	}
	open, err := parseClock(w.Open)
	if err != nil {
		return span{}, err
	}
	closeAt, err := parseClock(w.Close)
	if err != nil {
		return span{}, err
	}
	if closeAt <= open {
		closeAt += 24 * time.Hour
	}
	return span{day: day, open: open, close: closeAt}, nil
}

func (s Schedule) validate() error {
	for i, w := range s.Windows {
		if _, err := w.span(); err != nil {
			return fmt.Errorf("schedule.windows[%d]: %w", i, err)
		}
	}
	return nil
}

func (s Schedule) spans() []span {
	windows := s.Windows
	if s.Mode == ScheduleBusinessHours && len(windows) == 0 {
		windows = DefaultBusinessHours
	}
	spans := make([]span, 0, len(windows))
	for _, w := range windows {
		if sp, err := w.span(); err == nil {
			spans = append(spans, sp)
		}
	}
	return spans
}

// Restricted reports whether the mode limits replies to windows.
func (s Schedule) Restricted() bool {
	return s.Mode == ScheduleBusinessHours || s.Mode == ScheduleCustom
}

// IsOpen reports whether now falls inside a window in loc. Unrestricted
// schedules are always open; a custom schedule without windows never is.
func (s Schedule) IsOpen(now time.Time, loc *time.Location) bool {
	if !s.Restricted() {
		return true
	}
	local := now.In(loc)
	spans := s.spans()
	// Yesterday's window may run past midnight.
	for back := 0; back <= 1; back++ {
		midnight := localMidnight(local, -back)
		for _, sp := range spans {
			if midnight.Weekday() != sp.day {
				continue
			}
			start := addClock(midnight, sp.open)
			end := addClock(midnight, sp.close)
			if !local.Before(start) && local.Before(end) {
				return true
			}
		}
	}
	return false
}

// ClosedSince returns when the current closed period began: the end of the
// latest window that ended at or before now, looking back one week. Zero when
// no window ended in that week.
func (s Schedule) ClosedSince(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	var latest time.Time
	for back := 0; back <= 8; back++ {
		midnight := localMidnight(local, -back)
		for _, sp := range s.spans() {
			if midnight.Weekday() != sp.day {
				continue
			}
			end := addClock(midnight, sp.close)
			if !end.After(local) && end.After(latest) {
				latest = end
			}
		}
	}
	return latest
}

func localMidnight(t time.Time, dayOffset int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+dayOffset, 0, 0, 0, 0, t.Location())
}

// addClock adds a wall-clock offset so DST shifts do not move opening times.
func addClock(midnight time.Time, offset time.Duration) time.Time {
	days := int(offset / (24 * time.Hour))
	rem := offset - time.Duration(days)*24*time.Hour
	y, m, d := midnight.Date()
	return time.Date(y, m, d+days, int(rem/time.Hour), int(rem%time.Hour/time.Minute), 0, 0, midnight.Location())
}

// LoadLocation resolves a tenant time zone; empty or unknown names fall back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
