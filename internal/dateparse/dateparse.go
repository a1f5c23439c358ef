// Package dateparse turns the review horizons users type ("tomorrow", "+3d",
// "friday", "2026-03-01") into instants.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Horizon resolves input relative to now. "now" (or empty) is now itself;
// every other form means the end of the named day, so a memo due at any time
// that day counts.
//
// Supported forms:
//   - "now", "today", "tomorrow", "next-week" (next Monday)
//   - offsets: "+7d", "+2w", "+1m"
//   - weekday names, always the next occurrence
//   - exact dates: "2026-03-01"
func Horizon(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	switch input {
	case "", "now":
		return now, nil
	case "today":
		return endOfDay(now), nil
	case "tomorrow":
		return endOfDay(now.AddDate(0, 0, 1)), nil
	case "next-week":
		return endOfDay(now.AddDate(0, 0, daysUntil(now, time.Monday))), nil
	}

	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return endOfDay(t), nil
	}

	if strings.HasPrefix(input, "+") && len(input) >= 3 {
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("invalid offset %q", input)
		}
		switch input[len(input)-1] {
		case 'd':
			return endOfDay(now.AddDate(0, 0, n)), nil
		case 'w':
			return endOfDay(now.AddDate(0, 0, 7*n)), nil
		case 'm':
			return endOfDay(now.AddDate(0, n, 0)), nil
		default:
			return time.Time{}, fmt.Errorf("unknown unit in %q (use d, w or m)", input)
		}
	}

	if wd, ok := weekdays[input]; ok {
		return endOfDay(now.AddDate(0, 0, daysUntil(now, wd))), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", input)
}

// daysUntil counts days to the next target weekday, 7 when it is today.
func daysUntil(now time.Time, target time.Weekday) int {
	d := (int(target) - int(now.Weekday()) + 7) % 7
	if d == 0 {
		d = 7
	}
	return d
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
