package slots

import (
	"testing"
	"time"

	"github.com/basket/agenda/internal/plan"
)

func TestNormalizeRecurrence(t *testing.T) {
	got, err := NormalizeRecurrence(plan.RecurrenceSpec{
		Freq:      "Weekly",
		ByWeekday: []string{"monday", "we"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Freq != "weekly" || got.Interval != 1 {
		t.Fatalf("freq/interval = %s/%d", got.Freq, got.Interval)
	}
	if len(got.ByWeekday) != 2 || got.ByWeekday[0] != "MO" || got.ByWeekday[1] != "WE" {
		t.Fatalf("weekdays = %v", got.ByWeekday)
	}
}

func TestNormalizeRecurrence_BothEndConditions(t *testing.T) {
	_, err := NormalizeRecurrence(plan.RecurrenceSpec{
		Freq:  "daily",
		Until: "2026-06-01",
		Count: 5,
	})
	if err == nil {
		t.Fatal("until and count together must be rejected")
	}
}

func TestNormalizeRecurrence_Invalid(t *testing.T) {
	cases := []plan.RecurrenceSpec{
		{Freq: "fortnightly"},
		{Freq: "daily", Interval: -2},
		{Freq: "weekly", ByWeekday: []string{"someday"}},
		{Freq: "monthly", ByMonthDay: []int{0}},
		{Freq: "monthly", ByMonthDay: []int{40}},
		{Freq: "yearly", ByMonth: []int{13}},
		{Freq: "daily", Count: -1},
	}
	for i, spec := range cases {
		if _, err := NormalizeRecurrence(spec); err == nil {
			t.Errorf("case %d: expected error for %+v", i, spec)
		}
	}
}

func TestParseRecurrenceRule(t *testing.T) {
	got, err := ParseRecurrenceRule("RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE;UNTIL=20260315")
	if err != nil {
		t.Fatal(err)
	}
	if got.Freq != "weekly" || got.Interval != 2 {
		t.Fatalf("freq/interval = %s/%d", got.Freq, got.Interval)
	}
	if got.Until != "2026-03-15" {
		t.Fatalf("until = %q", got.Until)
	}
	if len(got.ByWeekday) != 2 {
		t.Fatalf("weekdays = %v", got.ByWeekday)
	}
}

func TestParseRecurrenceRule_Rejects(t *testing.T) {
	for _, rule := range []string{
		"",
		"FREQ=DAILY;UNTIL=20260301;COUNT=4",
		"FREQ=DAILY;GARBAGE=1",
		"INTERVAL=2", // no FREQ
		"FREQ",
	} {
		if _, err := ParseRecurrenceRule(rule); err == nil {
			t.Errorf("rule %q: expected error", rule)
		}
	}
}

func TestParseLocalTime(t *testing.T) {
	loc := time.UTC
	lt, err := ParseLocalTime("2026-02-12T16:00:30", loc)
	if err != nil {
		t.Fatal(err)
	}
	if lt.String() != "2026-02-12T16:00" {
		t.Fatalf("seconds must truncate to minutes, got %s", lt.String())
	}
	lt, err = ParseLocalTime("2026-02-12 08:15", loc)
	if err != nil {
		t.Fatal(err)
	}
	if lt.String() != "2026-02-12T08:15" {
		t.Fatalf("got %s", lt.String())
	}
	if _, err := ParseLocalTime("next tuesday", loc); err == nil {
		t.Fatal("free text must not parse")
	}
}
