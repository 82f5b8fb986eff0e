package plan

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestWindowBroadens(t *testing.T) {
	old := Window{StartDate: "2026-03-10", EndDate: "2026-03-16"}

	cases := []struct {
		name string
		next Window
		want bool
	}{
		{"identical", Window{StartDate: "2026-03-10", EndDate: "2026-03-16"}, false},
		{"wider both", Window{StartDate: "2026-03-01", EndDate: "2026-03-31"}, true},
		{"wider start only", Window{StartDate: "2026-03-01", EndDate: "2026-03-16"}, true},
		{"wider end only", Window{StartDate: "2026-03-10", EndDate: "2026-03-20"}, true},
		{"narrower start", Window{StartDate: "2026-03-12", EndDate: "2026-03-31"}, false},
		{"narrower end", Window{StartDate: "2026-03-01", EndDate: "2026-03-14"}, false},
		{"disjoint", Window{StartDate: "2026-04-01", EndDate: "2026-04-07"}, false},
		{"invalid dates", Window{StartDate: "soon", EndDate: "later"}, false},
	}
	for _, tc := range cases {
		if got := tc.next.Broadens(old); got != tc.want {
			t.Errorf("%s: Broadens=%v, want %v", tc.name, got, tc.want)
		}
	}
}

// Property: for randomly generated window pairs, Broadens accepts exactly the
// strictly containing ones.
func TestWindowBroadens_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day := func(n int) string { return base.AddDate(0, 0, n).Format("2006-01-02") }

	for i := 0; i < 500; i++ {
		os := rng.Intn(60)
		oe := os + rng.Intn(30)
		ns := rng.Intn(60)
		ne := ns + rng.Intn(60)
		old := Window{StartDate: day(os), EndDate: day(oe)}
		next := Window{StartDate: day(ns), EndDate: day(ne)}

		want := ns <= os && ne >= oe && !(ns == os && ne == oe)
		if got := next.Broadens(old); got != want {
			t.Fatalf("old=%v next=%v: Broadens=%v, want %v", old, next, got, want)
		}
	}
}

func TestWindowValidate(t *testing.T) {
	if err := (Window{StartDate: "2026-03-10", EndDate: "2026-03-09"}).Validate(); err == nil {
		t.Fatal("expected error for end before start")
	}
	if err := (Window{StartDate: "2026-03-10", EndDate: "2026-03-10"}).Validate(); err != nil {
		t.Fatalf("single-day window should be valid: %v", err)
	}
}

func TestLocalTimeJSON(t *testing.T) {
	for _, s := range []string{"2026-02-12T16:00", "2026-02-12"} {
		var lt LocalTime
		if err := json.Unmarshal([]byte(fmt.Sprintf("%q", s)), &lt); err != nil {
			t.Fatalf("unmarshal %q: %v", s, err)
		}
		out, err := json.Marshal(lt)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != fmt.Sprintf("%q", s) {
			t.Fatalf("round trip %q -> %s", s, out)
		}
	}

	var lt LocalTime
	if err := json.Unmarshal([]byte(`"2026-02-12"`), &lt); err != nil {
		t.Fatal(err)
	}
	if !lt.DateOnly {
		t.Fatal("bare date must stay date-only, not upgrade to midnight")
	}
}

func TestIssuesHelpers(t *testing.T) {
	is := Issues{
		{StepID: "s2", Kind: IssueMissingSlot, Slot: "title"},
		{StepID: "s4", Kind: IssueInvalidValue, Slot: "start"},
		{StepID: "s2", Kind: IssueAmbiguousReference},
	}
	ids := is.StepIDs()
	if len(ids) != 2 || ids[0] != "s2" || ids[1] != "s4" {
		t.Fatalf("unexpected step ids %v", ids)
	}
	if got := len(is.ForStep("s2")); got != 2 {
		t.Fatalf("expected 2 issues for s2, got %d", got)
	}

	many := make([]Candidate, 9)
	is = Issues{{StepID: "s1", Kind: IssueAmbiguousReference, Candidates: many}}
	if got := len(is.ClampCandidates()[0].Candidates); got != MaxIssueCandidates {
		t.Fatalf("expected %d candidates, got %d", MaxIssueCandidates, got)
	}
}
