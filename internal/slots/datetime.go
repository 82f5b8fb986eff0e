package slots

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/agenda/internal/plan"
)

// Accepted input layouts, most specific first. Everything is truncated to
// minute resolution; seconds in the input are discarded.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

const (
	dateLayout    = "2006-01-02"
	clockLayout   = "15:04"
	clockLayoutHM = "15:04:05"
)

// ParseLocalTime parses a loose date/time string into the canonical
// minute-resolution local form. A bare date stays date-only.
func ParseLocalTime(s string, loc *time.Location) (plan.LocalTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return plan.LocalTime{}, fmt.Errorf("empty date/time")
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return plan.LocalTime{Time: t.Truncate(time.Minute)}, nil
		}
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return plan.LocalTime{Time: t, DateOnly: true}, nil
	}
	return plan.LocalTime{}, fmt.Errorf("unrecognized date/time %q", s)
}

// ParseClock parses a bare wall-clock time ("16:00" or "16:00:00").
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		t, err = time.Parse(clockLayoutHM, s)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized time %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Combine anchors a wall-clock time onto a date-only value, producing a timed
// LocalTime in the same location.
func Combine(date plan.LocalTime, hour, minute int) plan.LocalTime {
	d := date.Time
	return plan.LocalTime{
		Time: time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, d.Location()),
	}
}
