package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseOffset converts a UTC offset string such as "+05:30" or "-08:00" into
// a fixed time.Location. The offset is configured once (config.Engine
// .DisplayOffset) and passed in; call sites never hardcode it.
func ParseOffset(s string) (*time.Location, error) {
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return nil, fmt.Errorf("invalid UTC offset %q, want ±HH:MM", s)
	}
	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return nil, fmt.Errorf("invalid UTC offset %q: %v", s, err)
	}
	mins, err := strconv.Atoi(s[4:6])
	if err != nil {
		return nil, fmt.Errorf("invalid UTC offset %q: %v", s, err)
	}
	if hours > 14 || mins > 59 {
		return nil, fmt.Errorf("UTC offset %q out of range", s)
	}
	seconds := hours*3600 + mins*60
	if s[0] == '-' {
		seconds = -seconds
	}
	return time.FixedZone("UTC"+s, seconds), nil
}

// CombineDateTime builds a UTC instant from a date-only and a time-only
// string interpreted in the given location. The time part accepts "15:04" or
// "15:04:05"; an empty time part means midnight.
func CombineDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if clock == "" {
		clock = "00:00:00"
	}
	if strings.Count(clock, ":") == 1 {
		clock += ":00"
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("combine %q %q: %w", date, clock, err)
	}
	return t.UTC(), nil
}
