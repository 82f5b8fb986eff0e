// Package plan defines the canonical plan model: a DAG of steps with typed
// argument bags, validation issues, and context windows. It is pure data;
// behavior lives in the normalizer, the slot validator and the scheduler.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Intent names one supported operation kind.
type Intent string

const (
	IntentCreateEvent Intent = "create_event"
	IntentUpdateEvent Intent = "update_event"
	IntentCancelEvent Intent = "cancel_event"
	IntentCreateTask  Intent = "create_task"
	IntentUpdateTask  Intent = "update_task"
	IntentCancelTask  Intent = "cancel_task"
	IntentSummarize   Intent = "summarize"
	IntentClarify     Intent = "meta.clarify"
)

// Family is the item family an intent mutates or reads.
type Family string

const (
	FamilyNone   Family = ""
	FamilyEvents Family = "events"
	FamilyTasks  Family = "tasks"
)

// Known reports whether the intent is one of the supported kinds.
func (i Intent) Known() bool {
	switch i {
	case IntentCreateEvent, IntentUpdateEvent, IntentCancelEvent,
		IntentCreateTask, IntentUpdateTask, IntentCancelTask,
		IntentSummarize, IntentClarify:
		return true
	}
	return false
}

// RequiresWindow reports whether the intent's semantics need a bounded time
// window before any validation can proceed. A plan containing such a step
// without a window is replaced wholesale by the normalizer.
func (i Intent) RequiresWindow() bool {
	switch i {
	case IntentUpdateEvent, IntentCancelEvent, IntentUpdateTask, IntentCancelTask, IntentSummarize:
		return true
	}
	return false
}

// NeedsContext reports whether steps of this intent target existing items and
// therefore require the context-dependent resolution phase.
func (i Intent) NeedsContext() bool {
	switch i {
	case IntentUpdateEvent, IntentCancelEvent, IntentUpdateTask, IntentCancelTask:
		return true
	}
	return false
}

// Mutates reports whether the intent writes to the external store.
func (i Intent) Mutates() bool {
	switch i {
	case IntentCreateEvent, IntentUpdateEvent, IntentCancelEvent,
		IntentCreateTask, IntentUpdateTask, IntentCancelTask:
		return true
	}
	return false
}

// Family returns the item family the intent touches.
func (i Intent) Family() Family {
	switch i {
	case IntentCreateEvent, IntentUpdateEvent, IntentCancelEvent:
		return FamilyEvents
	case IntentCreateTask, IntentUpdateTask, IntentCancelTask:
		return FamilyTasks
	}
	return FamilyNone
}

// OnFail is the per-step failure policy.
type OnFail string

const (
	OnFailStop     OnFail = "stop"
	OnFailContinue OnFail = "continue"
)

const dateLayout = "2006-01-02"

// Window bounds which external items are visible for reference resolution.
// Both dates are inclusive civil dates in the session timezone.
type Window struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (w Window) IsZero() bool {
	return w.StartDate == "" && w.EndDate == ""
}

// Validate checks both dates parse and are ordered.
func (w Window) Validate() error {
	start, err := time.Parse(dateLayout, w.StartDate)
	if err != nil {
		return fmt.Errorf("window start_date %q: %w", w.StartDate, err)
	}
	end, err := time.Parse(dateLayout, w.EndDate)
	if err != nil {
		return fmt.Errorf("window end_date %q: %w", w.EndDate, err)
	}
	if end.Before(start) {
		return fmt.Errorf("window end_date %s before start_date %s", w.EndDate, w.StartDate)
	}
	return nil
}

// Broadens reports whether w strictly contains old. Window expansion is only
// honored when this holds, which guarantees the resolution loop terminates.
func (w Window) Broadens(old Window) bool {
	if w.Validate() != nil || old.Validate() != nil {
		return false
	}
	ns, _ := time.Parse(dateLayout, w.StartDate)
	ne, _ := time.Parse(dateLayout, w.EndDate)
	os, _ := time.Parse(dateLayout, old.StartDate)
	oe, _ := time.Parse(dateLayout, old.EndDate)
	if ns.After(os) || ne.Before(oe) {
		return false
	}
	return w != old
}

// LocalTime is the canonical minute-resolution local representation of a
// date or timestamp. A bare date keeps DateOnly=true rather than being
// silently upgraded to midnight.
type LocalTime struct {
	Time     time.Time
	DateOnly bool
}

const minuteLayout = "2006-01-02T15:04"

func (lt LocalTime) IsZero() bool { return lt.Time.IsZero() }

func (lt LocalTime) String() string {
	if lt.DateOnly {
		return lt.Time.Format(dateLayout)
	}
	return lt.Time.Format(minuteLayout)
}

// MarshalJSON encodes as "2006-01-02T15:04", or "2006-01-02" for date-only.
func (lt LocalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(lt.String())
}

func (lt *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if t, err := time.ParseInLocation(minuteLayout, s, time.Local); err == nil {
		lt.Time, lt.DateOnly = t, false
		return nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("local time %q: %w", s, err)
	}
	lt.Time, lt.DateOnly = t, true
	return nil
}

// RecurrenceSpec is the structured form a recurrence rule normalizes into.
// At most one of Until/Count may be set.
type RecurrenceSpec struct {
	Freq       string   `json:"freq"`
	Interval   int      `json:"interval,omitempty"`
	ByWeekday  []string `json:"by_weekday,omitempty"`
	ByMonthDay []int    `json:"by_month_day,omitempty"`
	BySetPos   []int    `json:"by_set_pos,omitempty"`
	ByMonth    []int    `json:"by_month,omitempty"`
	Until      string   `json:"until,omitempty"`
	Count      int      `json:"count,omitempty"`
}

// Item is one materialized unit of work inside a step. A step creating N
// events carries N items; single-item legacy fields fall back to a
// one-element list.
type Item struct {
	Title           string          `json:"title,omitempty"`
	Start           *LocalTime      `json:"start,omitempty"`
	End             *LocalTime      `json:"end,omitempty"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	Location        string          `json:"location,omitempty"`
	Description     string          `json:"description,omitempty"`
	Reminders       []int           `json:"reminders,omitempty"`
	AllDay          *bool           `json:"all_day,omitempty"`
	Recurrence      *RecurrenceSpec `json:"recurrence,omitempty"`
	EventID         string          `json:"event_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	Status          string          `json:"status,omitempty"`
}

// StepArgs is the validated argument bag of one step.
type StepArgs struct {
	Items []Item `json:"items"`
}

// PlanStep is one intent instance with its argument bag, window and
// dependency set.
type PlanStep struct {
	ID          string                     `json:"step_id"`
	Intent      Intent                     `json:"intent"`
	Hint        string                     `json:"hint,omitempty"`
	RawArgs     map[string]json.RawMessage `json:"args,omitempty"`
	Args        *StepArgs                  `json:"resolved_args,omitempty"`
	QueryWindow []Window                   `json:"query_window,omitempty"`
	DependsOn   []string                   `json:"depends_on,omitempty"`
	OnFail      OnFail                     `json:"on_fail,omitempty"`
}

// Clone returns a deep copy of the step via JSON round-trip. Used when
// freezing plans for clarification resume.
func (s PlanStep) Clone() PlanStep {
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out PlanStep
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	return out
}

// Plan is an ordered list of steps representing the user's request.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PlannerOutput is the canonical result of the planning phase.
type PlannerOutput struct {
	Plan       Plan    `json:"plan"`
	Confidence float64 `json:"confidence"`
}
