package slots

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/agenda/internal/plan"
)

func rawArgs(t *testing.T, src string) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(src), &out); err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}
	return out
}

func TestValidateStep_CreateEvent(t *testing.T) {
	step := plan.PlanStep{
		ID:     "s1",
		Intent: plan.IntentCreateEvent,
		RawArgs: rawArgs(t, `{
			"title": "Dentist",
			"start": "2026-02-12T16:00",
			"duration_minutes": 45,
			"location": "Main St 3",
			"reminders": [30, 10],
			"bogus_field": "discarded"
		}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	if len(res.Args.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(res.Args.Items))
	}
	item := res.Args.Items[0]
	if item.Title != "Dentist" {
		t.Fatalf("title = %q", item.Title)
	}
	if item.Start == nil || item.Start.String() != "2026-02-12T16:00" {
		t.Fatalf("start = %v", item.Start)
	}
	if item.End == nil || item.End.String() != "2026-02-12T16:45" {
		t.Fatalf("end should derive from duration, got %v", item.End)
	}
	if len(item.Reminders) != 2 {
		t.Fatalf("reminders = %v", item.Reminders)
	}
	if res.NeedsContext {
		t.Fatal("create_event must not need the context phase")
	}
}

func TestValidateStep_DateOnlyInfersAllDay(t *testing.T) {
	step := plan.PlanStep{
		ID:     "s1",
		Intent: plan.IntentCreateEvent,
		RawArgs: rawArgs(t, `{
			"title": "Conference",
			"start": "2026-05-04"
		}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	item := res.Args.Items[0]
	if item.Start == nil || !item.Start.DateOnly {
		t.Fatal("bare date must stay date-only")
	}
	if item.AllDay == nil || !*item.AllDay {
		t.Fatal("all-day flag should be inferred for a date-only event start")
	}
}

func TestValidateStep_StartDatePlusTime(t *testing.T) {
	step := plan.PlanStep{
		ID:     "s1",
		Intent: plan.IntentCreateEvent,
		RawArgs: rawArgs(t, `{
			"title": "Standup",
			"start_date": "2026-03-02",
			"time": "09:30"
		}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	item := res.Args.Items[0]
	if item.Start == nil || item.Start.String() != "2026-03-02T09:30" {
		t.Fatalf("start = %v", item.Start)
	}
	if item.Start.DateOnly {
		t.Fatal("start_date+time must produce a timed value")
	}
}

func TestValidateStep_MissingTitle(t *testing.T) {
	step := plan.PlanStep{
		ID:      "s2",
		Intent:  plan.IntentCreateEvent,
		RawArgs: rawArgs(t, `{"start": "2026-02-12T16:00"}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Args.Items) != 0 {
		t.Fatalf("item without title must be dropped, got %v", res.Args.Items)
	}
	found := false
	for _, iss := range res.Issues {
		if iss.Kind == plan.IssueMissingSlot && iss.Slot == "title" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing_slot title issue, got %v", res.Issues)
	}
}

func TestValidateStep_ItemsListWithIndex(t *testing.T) {
	step := plan.PlanStep{
		ID:     "s1",
		Intent: plan.IntentCreateEvent,
		RawArgs: rawArgs(t, `{"items": [
			{"title": "One", "start": "2026-02-10T10:00"},
			{"title": "Two", "start": "not-a-date"},
			{"title": "Three", "start": "2026-02-12T10:00"}
		]}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Args.Items) != 2 {
		t.Fatalf("expected 2 surviving items, got %d", len(res.Args.Items))
	}
	if len(res.Issues) == 0 {
		t.Fatal("expected issues for the bad item")
	}
	foundIndexed := false
	for _, iss := range res.Issues {
		if iss.Slot == "items" && strings.Contains(iss.Detail, "items[1]") {
			foundIndexed = true
		}
	}
	if !foundIndexed {
		t.Fatalf("issue detail should embed the item index, got %v", res.Issues)
	}
}

func TestValidateStep_TaskIDsFanOut(t *testing.T) {
	step := plan.PlanStep{
		ID:      "s1",
		Intent:  plan.IntentCancelTask,
		RawArgs: rawArgs(t, `{"task_ids": ["1~3", "7"]}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	if len(res.Args.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Args.Items))
	}
	if res.Args.Items[0].TaskID != "1~3" {
		t.Fatalf("range token must pass through verbatim, got %q", res.Args.Items[0].TaskID)
	}
	if !res.NeedsContext {
		t.Fatal("cancel_task must need the context phase")
	}
}

func TestValidateStep_UpdateWithoutTarget(t *testing.T) {
	step := plan.PlanStep{
		ID:      "s3",
		Intent:  plan.IntentUpdateEvent,
		RawArgs: rawArgs(t, `{"location": "Room 2"}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Args.Items) != 0 {
		t.Fatal("untargetable update item must be dropped")
	}
	found := false
	for _, iss := range res.Issues {
		if iss.Kind == plan.IssueMissingSlot && iss.Slot == "event_id" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing_slot event_id, got %v", res.Issues)
	}
}

func TestValidateStep_NumericEventID(t *testing.T) {
	step := plan.PlanStep{
		ID:      "s1",
		Intent:  plan.IntentCancelEvent,
		RawArgs: rawArgs(t, `{"event_id": 2}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues: %v", res.Issues)
	}
	if res.Args.Items[0].EventID != "2" {
		t.Fatalf("numeric id should coerce to string, got %q", res.Args.Items[0].EventID)
	}
}

func TestValidateStep_BadStatus(t *testing.T) {
	step := plan.PlanStep{
		ID:      "s1",
		Intent:  plan.IntentUpdateTask,
		RawArgs: rawArgs(t, `{"task_id": "t-9", "status": "procrastinating"}`),
	}
	res := ValidateStep(step, time.UTC)
	if len(res.Args.Items) != 1 {
		t.Fatalf("item should survive with the bad field dropped, got %d items", len(res.Args.Items))
	}
	if res.Args.Items[0].Status != "" {
		t.Fatalf("bad status must not survive, got %q", res.Args.Items[0].Status)
	}
	found := false
	for _, iss := range res.Issues {
		if iss.Kind == plan.IssueInvalidValue && iss.Slot == "status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected invalid_value status issue, got %v", res.Issues)
	}
}

func TestValidateStep_EmptyArgs(t *testing.T) {
	step := plan.PlanStep{ID: "s1", Intent: plan.IntentCreateTask}
	res := ValidateStep(step, time.UTC)
	if len(res.Args.Items) != 0 {
		t.Fatal("expected empty item list")
	}
	if len(res.Issues) == 0 {
		t.Fatal("a step with zero valid items still carries an issue")
	}
}
