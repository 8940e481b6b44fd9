package scheduling

import (
	"errors"
	"time"
)

type clock struct {
	hour, minute int
}

func parseClock(value string) (clock, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return clock{}, err
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

func (s Schedule) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// nextWindowStart finds the next window opening from today through seven days
// out whose weekday is allowed and whose start is still in the future.
func (s Schedule) nextWindowStart(now time.Time) (time.Time, error) {
	start, err := parseClock(s.StartTime)
	if err != nil {
		return time.Time{}, errors.New("schedule: invalid start_time")
	}
	loc := s.location()
	local := now.In(loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !s.dayAllowed(day.Weekday()) {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), start.hour, start.minute, 0, 0, loc)
		if candidate.After(now) {
			return candidate, nil
		}
	}
	return time.Time{}, ErrNoNextRun
}

// IsInMaintenanceWindow reports whether now falls inside the window. Windows
// where end < start wrap past midnight: inside means now >= start or
// now < end.
func (s Schedule) IsInMaintenanceWindow(now time.Time) bool {
	if s.Kind != ScheduleWindow {
		return false
	}
	start, err := parseClock(s.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(s.EndTime)
	if err != nil {
		return false
	}
	local := now.In(s.location())
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.hour*60 + start.minute
	endMin := end.hour*60 + end.minute

	overnight := endMin < startMin
	var inside bool
	if overnight {
		inside = minutes >= startMin || minutes < endMin
	} else {
		inside = minutes >= startMin && minutes < endMin
	}
	if !inside {
		return false
	}
	// For an overnight window the pre-midnight portion belongs to the start
	// day and the post-midnight portion to the day after it.
	weekday := local.Weekday()
	if overnight && minutes < endMin {
		weekday = local.AddDate(0, 0, -1).Weekday()
	}
	return s.dayAllowed(weekday)
}

func (s Schedule) dayAllowed(day time.Weekday) bool {
	for _, d := range s.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}
