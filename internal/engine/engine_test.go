package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agenda/internal/oracle"
	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/session"
	"github.com/basket/agenda/internal/store"
)

type fakePlanner struct {
	out plan.PlannerOutput
	err error
}

func (f *fakePlanner) Plan(context.Context, oracle.PlanRequest) (plan.PlannerOutput, error) {
	return f.out, f.err
}

type fakeExtractor struct {
	mu      sync.Mutex
	byID    map[plan.Intent]map[string]json.RawMessage
	calls   []plan.Intent
	onCall  func()
	failFor plan.Intent
}

func (f *fakeExtractor) Extract(_ context.Context, req oracle.ExtractRequest) (oracle.ExtractResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Intent)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.failFor != "" && req.Intent == f.failFor {
		return oracle.ExtractResult{}, oracle.ErrUnavailable
	}
	args := f.byID[req.Intent]
	if args == nil {
		args = map[string]json.RawMessage{}
	}
	return oracle.ExtractResult{Args: args, Confidence: 0.9}, nil
}

func localTime(t *testing.T, s string) *plan.LocalTime {
	t.Helper()
	var lt plan.LocalTime
	if err := json.Unmarshal([]byte(`"`+s+`"`), &lt); err != nil {
		t.Fatal(err)
	}
	return &lt
}

func rawArgs(t *testing.T, kv map[string]string) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		out[k] = data
	}
	return out
}

func newEngine(t *testing.T, planner oracle.Planner, extractor oracle.Extractor) (*Engine, *store.Memory, *session.Manager) {
	t.Helper()
	m := store.NewMemory()
	sessions := session.NewManager(m, nil)
	e := New(oracle.Suite{Planner: planner, Extractor: extractor}, m, sessions, Options{})
	return e, m, sessions
}

func TestProcessTurnCreatesEvent(t *testing.T) {
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentCreateEvent},
		}},
		Confidence: 0.9,
	}}
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{
			"title": "Dentist", "start": "2026-02-12T16:00",
		}),
	}}
	e, m, _ := newEngine(t, planner, extractor)

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "dentist thursday at 4pm",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}
	if len(resp.Results) != 1 || !resp.Results[0].OK {
		t.Fatalf("results = %+v", resp.Results)
	}
	events, err := m.ListEvents(context.Background(), plan.Window{StartDate: "2026-02-01", EndDate: "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Title != "Dentist" {
		t.Fatalf("events = %+v", events)
	}
}

func TestProcessTurnDryRun(t *testing.T) {
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentCreateEvent},
		}},
		Confidence: 0.9,
	}}
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{
			"title": "Dentist", "start": "2026-02-12T16:00",
		}),
	}}
	e, m, _ := newEngine(t, planner, extractor)

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "dentist thursday", DryRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusPlanned {
		t.Fatalf("status = %s", resp.Status)
	}
	events, err := m.ListEvents(context.Background(), plan.Window{StartDate: "2026-02-01", EndDate: "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatal("dry run must not execute")
	}
}

func TestProcessTurnPlannerUnavailable(t *testing.T) {
	planner := &fakePlanner{err: oracle.ErrUnavailable}
	e, _, _ := newEngine(t, planner, &fakeExtractor{})

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "do something",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusClarification {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.Question == "" {
		t.Fatal("unavailability must carry a question, not an error")
	}
	if len(resp.Plan.Steps) != 1 || resp.Plan.Steps[0].Intent != plan.IntentClarify {
		t.Fatalf("degraded response must carry a single clarify step, got %+v", resp.Plan)
	}
}

func TestProcessTurnMissingWindowClarifies(t *testing.T) {
	// An update without any window fails the whole plan fast.
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentUpdateEvent},
		}},
		Confidence: 0.9,
	}}
	e, _, _ := newEngine(t, planner, &fakeExtractor{})

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "move my meeting",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusClarification {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(resp.Plan.Steps) != 1 || resp.Plan.Steps[0].Intent != plan.IntentClarify {
		t.Fatalf("plan = %+v", resp.Plan)
	}
}

func TestProcessTurnExtractionFanOutIsConcurrent(t *testing.T) {
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentCreateEvent},
			{ID: "b", Intent: plan.IntentCreateTask},
		}},
		Confidence: 0.9,
	}}

	// Both extractor calls must be in flight at once: each call blocks until
	// the second one arrives.
	var arrived atomic.Int32
	both := make(chan struct{})
	var timedOut atomic.Bool
	extractor := &fakeExtractor{
		byID: map[plan.Intent]map[string]json.RawMessage{
			plan.IntentCreateEvent: rawArgs(t, map[string]string{"title": "A", "start": "2026-02-12T09:00"}),
			plan.IntentCreateTask:  rawArgs(t, map[string]string{"title": "B"}),
		},
		onCall: func() {
			if arrived.Add(1) == 2 {
				close(both)
			}
			select {
			case <-both:
			case <-time.After(2 * time.Second):
				timedOut.Store(true)
			}
		},
	}
	e, _, _ := newEngine(t, planner, extractor)

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "event and task",
	})
	if err != nil {
		t.Fatal(err)
	}
	if timedOut.Load() {
		t.Fatal("extractor calls in the same level were not concurrent")
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d", len(resp.Results))
	}
}

func TestProcessTurnContinueFailureKeepsSurvivor(t *testing.T) {
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{
				ID:     "a",
				Intent: plan.IntentUpdateEvent,
				OnFail: plan.OnFailContinue,
				QueryWindow: []plan.Window{
					{StartDate: "2026-02-10", EndDate: "2026-02-20"},
				},
			},
			{ID: "b", Intent: plan.IntentCreateEvent},
		}},
		Confidence: 0.9,
	}}
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentUpdateEvent: rawArgs(t, map[string]string{
			"event_id": "evt-missing", "title": "renamed",
		}),
		plan.IntentCreateEvent: rawArgs(t, map[string]string{
			"title": "Survivor", "start": "2026-02-12T09:00",
		}),
	}}
	e, _, _ := newEngine(t, planner, extractor)

	resp, err := e.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "sess", Utterance: "rename and create",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d", len(resp.Results))
	}
	if resp.Results[0].OK {
		t.Fatal("update of a missing event should fail")
	}
	if !resp.Results[1].OK {
		t.Fatal("surviving result must still be present")
	}
}

func TestProcessTurnClarificationRoundTrip(t *testing.T) {
	// Turn 1: create_event with no start raises an issue and freezes the
	// plan. Turn 2: the answer resolves it and the event is created.
	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentCreateEvent},
		}},
		Confidence: 0.7,
	}}
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{"title": "Dentist"}),
	}}
	e, m, sessions := newEngine(t, planner, extractor)
	ctx := context.Background()

	resp, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "sess", Utterance: "dentist soon"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusClarification {
		t.Fatalf("status = %s", resp.Status)
	}
	if _, ok := sessions.Pending(ctx, "sess"); !ok {
		t.Fatal("pending record must be saved")
	}

	// The user answers; the extractor now returns a complete bag.
	extractor.byID[plan.IntentCreateEvent] = rawArgs(t, map[string]string{
		"title": "Dentist", "start": "2026-02-12T16:00",
	})
	// The planner must not be consulted on the resumed turn.
	planner.err = fmt.Errorf("planner must not run on resume")

	resp, err = e.ProcessTurn(ctx, TurnRequest{SessionID: "sess", Utterance: "thursday at 4pm"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}
	if _, ok := sessions.Pending(ctx, "sess"); ok {
		t.Fatal("pending record must be cleared after completion")
	}
	events, err := m.ListEvents(ctx, plan.Window{StartDate: "2026-02-01", EndDate: "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestResumeRevalidatesOnlyUnresolvedSteps(t *testing.T) {
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{"title": "Filled", "start": "2026-02-12T10:00"}),
		plan.IntentCreateTask:  rawArgs(t, map[string]string{"title": "Filled task"}),
	}}
	e, _, sessions := newEngine(t, &fakePlanner{err: oracle.ErrUnavailable}, extractor)
	ctx := context.Background()

	// Frozen plan: s1 and s3 already carry accepted arguments from the first
	// turn, s2 and s4 are unresolved.
	keptStart := localTime(t, "2026-02-10T08:00")
	frozen := plan.Plan{Steps: []plan.PlanStep{
		{
			ID: "s1", Intent: plan.IntentCreateEvent,
			RawArgs: rawArgs(t, map[string]string{"title": "Kept A", "start": "2026-02-10T08:00"}),
			Args:    &plan.StepArgs{Items: []plan.Item{{Title: "Kept A", Start: keptStart}}},
			OnFail:  plan.OnFailStop,
		},
		{
			ID: "s2", Intent: plan.IntentCreateEvent,
			RawArgs: map[string]json.RawMessage{},
			OnFail:  plan.OnFailStop,
		},
		{
			ID: "s3", Intent: plan.IntentCreateTask,
			RawArgs: rawArgs(t, map[string]string{"title": "Kept B"}),
			Args:    &plan.StepArgs{Items: []plan.Item{{Title: "Kept B"}}},
			OnFail:  plan.OnFailStop,
		},
		{
			ID: "s4", Intent: plan.IntentCreateTask,
			RawArgs: map[string]json.RawMessage{},
			OnFail:  plan.OnFailStop,
		},
	}}
	if err := sessions.Save(ctx, "sess", session.PendingClarification{
		FrozenPlan:        frozen,
		UnresolvedStepIDs: []string{"s2", "s4"},
		Source:            "schema",
		Confidence:        0.6,
	}); err != nil {
		t.Fatal(err)
	}

	frozenS1, err := json.Marshal(frozen.Steps[0].RawArgs)
	if err != nil {
		t.Fatal(err)
	}
	frozenS3, err := json.Marshal(frozen.Steps[2].RawArgs)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "sess", Utterance: "the missing details"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}

	// Exactly the unresolved steps were re-extracted.
	if len(extractor.calls) != 2 {
		t.Fatalf("extractor calls = %v", extractor.calls)
	}

	// s1 and s3 pass through byte-identical.
	gotS1, err := json.Marshal(resp.Plan.Step("s1").RawArgs)
	if err != nil {
		t.Fatal(err)
	}
	gotS3, err := json.Marshal(resp.Plan.Step("s3").RawArgs)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotS1) != string(frozenS1) {
		t.Fatalf("s1 args changed: %s != %s", gotS1, frozenS1)
	}
	if string(gotS3) != string(frozenS3) {
		t.Fatalf("s3 args changed: %s != %s", gotS3, frozenS3)
	}
}

func TestProcessTurnEmptyUtterance(t *testing.T) {
	e, _, _ := newEngine(t, &fakePlanner{}, &fakeExtractor{})
	resp, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "sess", Utterance: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusClarification || resp.Question == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Plan.Steps) != 1 || resp.Plan.Steps[0].Intent != plan.IntentClarify {
		t.Fatalf("empty utterance must still yield a canonical plan, got %+v", resp.Plan)
	}
}

func TestResumeMergesAnswerOverFrozenArgs(t *testing.T) {
	// Turn 1 accepted a start but no title. The answer turn's extraction
	// carries only the title; the start the user already gave must survive.
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{"title": "Dentist"}),
	}}
	e, m, sessions := newEngine(t, &fakePlanner{err: oracle.ErrUnavailable}, extractor)
	ctx := context.Background()

	frozen := plan.Plan{Steps: []plan.PlanStep{{
		ID:      "s1",
		Intent:  plan.IntentCreateEvent,
		RawArgs: rawArgs(t, map[string]string{"start": "2026-02-12T16:00"}),
		OnFail:  plan.OnFailStop,
	}}}
	if err := sessions.Save(ctx, "sess", session.PendingClarification{
		FrozenPlan:        frozen,
		UnresolvedStepIDs: []string{"s1"},
		Source:            "schema",
		Confidence:        0.6,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "sess", Utterance: "call it Dentist"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}
	events, err := m.ListEvents(ctx, plan.Window{StartDate: "2026-02-01", EndDate: "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Title != "Dentist" {
		t.Fatalf("events = %+v", events)
	}
	if got := events[0].Start.String(); got != "2026-02-12T16:00" {
		t.Fatalf("start = %q, the earlier answer was lost", got)
	}
}
