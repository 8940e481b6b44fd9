package scheduling

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five-field cron expression
// "minute hour dayOfMonth month dayOfWeek".
type CronExpr struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool // 1-31
	month  [13]bool // 1-12
	dow    [7]bool  // 0=Sunday
}

type cronField struct {
	min, max int
}

var cronFields = [5]cronField{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// ParseCron parses a five-field cron expression. Each field supports "*",
// "*/step", "start-end" ranges and comma lists.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, errors.New("cron: expected five fields")
	}
	var parsed CronExpr
	sets := [5][]bool{
		parsed.minute[:], parsed.hour[:], parsed.dom[:], parsed.month[:], parsed.dow[:],
	}
	for i, part := range parts {
		if err := parseCronField(part, cronFields[i], sets[i]); err != nil {
			return nil, err
		}
	}
	return &parsed, nil
}

func parseCronField(field string, bounds cronField, set []bool) error {
	for _, item := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(item, "/"); idx >= 0 {
			var err error
			step, err = strconv.Atoi(item[idx+1:])
			if err != nil || step <= 0 {
				return errors.New("cron: invalid step")
			}
			item = item[:idx]
		}
		start, end := bounds.min, bounds.max
		switch {
		case item == "*":
			// full range
		case strings.Contains(item, "-"):
			pair := strings.SplitN(item, "-", 2)
			var err error
			start, err = strconv.Atoi(pair[0])
			if err != nil {
				return errors.New("cron: invalid range start")
			}
			end, err = strconv.Atoi(pair[1])
			if err != nil {
				return errors.New("cron: invalid range end")
			}
		default:
			value, err := strconv.Atoi(item)
			if err != nil {
				return errors.New("cron: invalid value")
			}
			start, end = value, value
		}
		if start < bounds.min || end > bounds.max || start > end {
			return errors.New("cron: value out of range")
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return nil
}

// Next searches forward minute-by-minute for the first matching time strictly
// after now, up to one year out. Day-of-month and day-of-week are both
// required to match when restricted, unlike POSIX cron's either-or rule.
func (c *CronExpr) Next(now time.Time) (time.Time, error) {
	if c == nil {
		return time.Time{}, errors.New("cron: nil expression")
	}
	t := now.Truncate(time.Minute).Add(time.Minute)
	limit := now.AddDate(1, 0, 0)
	for !t.After(limit) {
		if c.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, ErrNoNextRun
}

func (c *CronExpr) matches(t time.Time) bool {
	return c.minute[t.Minute()] &&
		c.hour[t.Hour()] &&
		c.dom[t.Day()] &&
		c.month[int(t.Month())] &&
		c.dow[int(t.Weekday())]
}
