package store

import (
	"strings"
	"time"
)

// dateLayouts are tried in order. Slash and dash forms with the year last
// are day-first.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2/1/2006",
}

// ParseDate parses a date-like enrichment value. Only the calendar date is
// kept, in UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// NormalizeDate renders parseable dates as yyyy-MM-dd and returns anything
// else unchanged.
func NormalizeDate(s string) string {
	if t, ok := ParseDate(s); ok {
		return t.Format(time.DateOnly)
	}
	return s
}

// Expired reports whether s parses to a date strictly before the UTC date of
// now. Unparseable values never expire.
func Expired(s string, now time.Time) bool {
	t, ok := ParseDate(s)
	if !ok {
		return false
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return t.Before(today)
}
