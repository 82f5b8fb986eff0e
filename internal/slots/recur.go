package slots

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/agenda/internal/plan"
)

var validFreqs = map[string]bool{
	"daily": true, "weekly": true, "monthly": true, "yearly": true,
}

var weekdayCodes = map[string]string{
	"mo": "MO", "tu": "TU", "we": "WE", "th": "TH", "fr": "FR", "sa": "SA", "su": "SU",
	"monday": "MO", "tuesday": "TU", "wednesday": "WE", "thursday": "TH",
	"friday": "FR", "saturday": "SA", "sunday": "SU",
}

// NormalizeRecurrence cross-validates a structured recurrence spec and
// returns its canonical form. The end condition may specify at most one of
// until/count.
func NormalizeRecurrence(spec plan.RecurrenceSpec) (*plan.RecurrenceSpec, error) {
	out := plan.RecurrenceSpec{}

	freq := strings.ToLower(strings.TrimSpace(spec.Freq))
	if !validFreqs[freq] {
		return nil, fmt.Errorf("unknown frequency %q", spec.Freq)
	}
	out.Freq = freq

	out.Interval = spec.Interval
	if out.Interval == 0 {
		out.Interval = 1
	}
	if out.Interval < 1 {
		return nil, fmt.Errorf("interval must be positive, got %d", spec.Interval)
	}

	for _, wd := range spec.ByWeekday {
		code, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(wd))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", wd)
		}
		out.ByWeekday = append(out.ByWeekday, code)
	}
	for _, md := range spec.ByMonthDay {
		if md == 0 || md > 31 || md < -31 {
			return nil, fmt.Errorf("month day out of range: %d", md)
		}
		out.ByMonthDay = append(out.ByMonthDay, md)
	}
	for _, sp := range spec.BySetPos {
		if sp == 0 {
			return nil, fmt.Errorf("set position must be non-zero")
		}
		out.BySetPos = append(out.BySetPos, sp)
	}
	for _, m := range spec.ByMonth {
		if m < 1 || m > 12 {
			return nil, fmt.Errorf("month out of range: %d", m)
		}
		out.ByMonth = append(out.ByMonth, m)
	}

	if spec.Until != "" && spec.Count != 0 {
		return nil, fmt.Errorf("recurrence end may set until or count, not both")
	}
	if spec.Until != "" {
		lt, err := ParseLocalTime(spec.Until, nil)
		if err != nil {
			return nil, fmt.Errorf("recurrence until: %w", err)
		}
		out.Until = lt.Time.Format(dateLayout)
	}
	if spec.Count != 0 {
		if spec.Count < 1 {
			return nil, fmt.Errorf("recurrence count must be positive, got %d", spec.Count)
		}
		out.Count = spec.Count
	}
	return &out, nil
}

// ParseRecurrenceRule parses an RRULE-style string ("FREQ=WEEKLY;INTERVAL=2;
// BYDAY=MO,WE") into the structured spec and normalizes it.
func ParseRecurrenceRule(rule string) (*plan.RecurrenceSpec, error) {
	rule = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
	if rule == "" {
		return nil, fmt.Errorf("empty recurrence rule")
	}

	var spec plan.RecurrenceSpec
	for _, part := range strings.Split(rule, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rule part %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "FREQ":
			spec.Freq = strings.ToLower(value)
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("interval %q: %w", value, err)
			}
			spec.Interval = n
		case "BYDAY":
			spec.ByWeekday = splitList(value)
		case "BYMONTHDAY":
			ns, err := intList(value)
			if err != nil {
				return nil, fmt.Errorf("bymonthday: %w", err)
			}
			spec.ByMonthDay = ns
		case "BYSETPOS":
			ns, err := intList(value)
			if err != nil {
				return nil, fmt.Errorf("bysetpos: %w", err)
			}
			spec.BySetPos = ns
		case "BYMONTH":
			ns, err := intList(value)
			if err != nil {
				return nil, fmt.Errorf("bymonth: %w", err)
			}
			spec.ByMonth = ns
		case "UNTIL":
			spec.Until = normalizeUntil(value)
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("count %q: %w", value, err)
			}
			spec.Count = n
		default:
			return nil, fmt.Errorf("unsupported rule part %q", key)
		}
	}
	return NormalizeRecurrence(spec)
}

// normalizeUntil accepts both RRULE basic format (20260315 / 20260315T000000Z)
// and ISO dates.
func normalizeUntil(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, 'T'); i > 0 {
		v = v[:i]
	}
	if len(v) == 8 && !strings.Contains(v, "-") {
		return v[:4] + "-" + v[4:6] + "-" + v[6:8]
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intList(v string) ([]int, error) {
	var out []int
	for _, s := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
