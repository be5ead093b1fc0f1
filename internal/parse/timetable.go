package parse

import (
	"fmt"
	"time"
)

// Date splits a provider date number such as 20240301 into its parts.
func Date(v int) (int, time.Month, int, error) {
	if v < 10000101 || v > 99991231 {
		return 0, 0, 0, fmt.Errorf("invalid date %d", v)
	}
	year := v / 10000
	month := time.Month(v / 100 % 100)
	day := v % 100
	if month < time.January || month > time.December {
		return 0, 0, 0, fmt.Errorf("invalid month in date %d", v)
	}
	// time.Date normalizes overflowing days, so check the round trip.
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return 0, 0, 0, fmt.Errorf("invalid day in date %d", v)
	}
	return year, month, day, nil
}

// Clock splits a provider clock number into hour and minute.
// The provider drops leading zeros, so 800 is 08:00 and 5 is 00:05.
func Clock(v int) (int, int, error) {
	if v < 0 {
		return 0, 0, fmt.Errorf("invalid time %d", v)
	}
	hour, minute := v/100, v%100
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %d", v)
	}
	return hour, minute, nil
}

// Instant combines a date number and a clock number into an absolute time in loc.
func Instant(date, clock int, loc *time.Location) (time.Time, error) {
	year, month, day, err := Date(date)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := Clock(clock)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc), nil
}

// DateNumber formats t as the provider's yyyymmdd number in t's location.
func DateNumber(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// StartOfDay truncates t to local midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
