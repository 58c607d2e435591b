package clock

import (
	"strconv"
	"strings"
	"time"
)

// Minutes converts an "HH:MM" clock string to minutes since midnight.
// Malformed input (missing colon, junk digits, empty string) yields 0,
// i.e. midnight, never an error. Clients have been sending garbage times
// since the first release and the scorer must stay total over them.
func Minutes(t string) int {
	hh, mm, ok := strings.Cut(t, ":")
	if !ok {
		return 0
	}
	h, err := strconv.Atoi(strings.TrimSpace(hh))
	if err != nil || h < 0 {
		h = 0
	}
	m, err := strconv.Atoi(strings.TrimSpace(mm))
	if err != nil || m < 0 {
		m = 0
	}
	v := h*60 + m
	if v < 0 || v > 1439 {
		return 0
	}
	return v
}

// Delta is the absolute difference in minutes between two clock strings.
func Delta(a, b string) int {
	d := Minutes(a) - Minutes(b)
	if d < 0 {
		return -d
	}
	return d
}

// WeekdayOf returns the weekday of a calendar date as stored in schedules.
func WeekdayOf(date time.Time) time.Weekday { return date.Weekday() }

// ParseWeekday maps a weekday name ("Monday") to time.Weekday. Schedules
// imported from the old document store carry names, not numbers.
func ParseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	}
	return time.Sunday, false
}
