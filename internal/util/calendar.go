package util

import (
	"time"
)

// DayKey returns the UTC calendar date of t at midnight.
func DayKey(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same UTC calendar date.
func SameDay(a, b time.Time) bool {
	return DayKey(a).Equal(DayKey(b))
}

// MonthKey returns the year and month of t in UTC, for calendar-gated
// strategies.
func MonthKey(t time.Time) (int, time.Month) {
	u := t.UTC()
	return u.Year(), u.Month()
}

// Days returns the fractional number of days between start and end.
func Days(start, end time.Time) float64 {
	return end.Sub(start).Hours() / 24
}
