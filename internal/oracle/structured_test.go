package oracle

import (
	"strings"
	"testing"

	"github.com/basket/agenda/internal/plan"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Sure, here is the plan:\n```json\n{\"action\": \"ask_user\", \"reason\": \"which one\"}\n```\nLet me know."
	got := extractJSON(text)
	if got != `{"action": "ask_user", "reason": "which one"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSONBalancedBraces(t *testing.T) {
	text := `The answer is {"a": {"b": "with \" escaped } brace"}} trailing prose`
	got := extractJSON(text)
	if got != `{"a": {"b": "with \" escaped } brace"}}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSONNone(t *testing.T) {
	if got := extractJSON("no structured data here"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestResolverSchemaAcceptsDecisions(t *testing.T) {
	v := mustValidator(resolverSchema)
	valid := []string{
		`{"action": "select_event", "selected_id": "2"}`,
		`{"action": "expand_context", "window": {"start_date": "2026-02-01", "end_date": "2026-02-28"}}`,
		`{"action": "ask_user", "reason": "ambiguous"}`,
	}
	for _, s := range valid {
		if _, err := v.Extract(s); err != nil {
			t.Fatalf("valid decision rejected: %s: %v", s, err)
		}
	}
	invalid := []string{
		`{"action": "delete_everything"}`,
		`{"selected_id": "2"}`,
		`{"action": "expand_context", "window": {"start_date": "Feb 1", "end_date": "Feb 28"}}`,
	}
	for _, s := range invalid {
		if _, err := v.Extract(s); err == nil {
			t.Fatalf("invalid decision accepted: %s", s)
		}
	}
}

func TestPlannerSchemaRejectsUnknownIntent(t *testing.T) {
	v := mustValidator(plannerSchema)
	good := `{"plan": {"steps": [{"step_id": "a", "intent": "create_event"}]}, "confidence": 0.9}`
	if _, err := v.Extract(good); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
	bad := `{"plan": {"steps": [{"step_id": "a", "intent": "launch_rocket"}]}}`
	if _, err := v.Extract(bad); err == nil {
		t.Fatal("unknown intent accepted")
	}
}

func TestFormatQuestion(t *testing.T) {
	issues := plan.Issues{
		{StepID: "s1", Kind: plan.IssueMissingSlot, Slot: "start", Detail: "event start is required"},
		{StepID: "s2", Kind: plan.IssueAmbiguousReference, Slot: "event_id", Detail: "3 items titled \"Standup\"",
			Candidates: []plan.Candidate{
				{ID: "evt-001", Title: "Standup", Start: "2026-02-11T09:00"},
				{ID: "evt-002", Title: "Standup", Start: "2026-02-12T09:00"},
			}},
	}
	q := FormatQuestion(issues)
	if !strings.Contains(q, "When should it be?") {
		t.Fatalf("missing start question: %q", q)
	}
	if !strings.Contains(q, "Which one do you mean?") {
		t.Fatalf("missing disambiguation question: %q", q)
	}
	if !strings.Contains(q, "1. Standup (2026-02-11T09:00)") {
		t.Fatalf("candidates not listed: %q", q)
	}
}

func TestFormatQuestionEmptyIssues(t *testing.T) {
	if q := FormatQuestion(nil); q == "" {
		t.Fatal("empty issue list must still yield a question")
	}
}
