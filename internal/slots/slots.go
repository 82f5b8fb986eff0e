// Package slots implements the schema phase of step validation: per-intent
// allow-list filtering of raw oracle output, typed parsing of dates, times,
// recurrence rules and id lists, and issue accumulation. It runs without any
// external context; reference resolution happens later.
package slots

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agenda/internal/plan"
)

// Result is the outcome of validating one step.
type Result struct {
	Args         plan.StepArgs
	Issues       plan.Issues
	NeedsContext bool
}

// Per-intent allow-lists. Keys not listed here are discarded silently:
// oracles over-generate and unknown fields must never reach the typed parse.
var itemKeys = map[plan.Intent][]string{
	plan.IntentCreateEvent: {"title", "start", "end", "start_date", "time", "duration_minutes",
		"location", "description", "reminders", "all_day", "recurrence", "recurrence_rule"},
	plan.IntentUpdateEvent: {"event_id", "title", "start", "end", "start_date", "time", "duration_minutes",
		"location", "description", "reminders", "all_day", "recurrence", "recurrence_rule"},
	plan.IntentCancelEvent: {"event_id", "title"},
	plan.IntentCreateTask:  {"title", "start_date", "time", "description", "reminders", "status"},
	plan.IntentUpdateTask:  {"task_id", "title", "start_date", "time", "description", "reminders", "status"},
	plan.IntentCancelTask:  {"task_id", "title"},
}

var stepOnlyKeys = map[plan.Intent][]string{
	plan.IntentUpdateEvent: {"items", "event_ids"},
	plan.IntentCancelEvent: {"items", "event_ids"},
	plan.IntentUpdateTask:  {"items", "task_ids"},
	plan.IntentCancelTask:  {"items", "task_ids"},
	plan.IntentCreateEvent: {"items"},
	plan.IntentCreateTask:  {"items"},
}

var validTaskStatus = map[string]bool{
	"pending": true, "in_progress": true, "done": true, "cancelled": true,
}

// ValidateStep normalizes the raw argument payload of one step. It never
// drops the step from the plan: the worst case is an empty item list plus an
// issue. loc is the session timezone; nil falls back to time.Local.
func ValidateStep(step plan.PlanStep, loc *time.Location) Result {
	res := Result{NeedsContext: step.Intent.NeedsContext()}

	// Intents without argument payloads validate trivially.
	if step.Intent == plan.IntentClarify || step.Intent == plan.IntentSummarize {
		res.Args = plan.StepArgs{Items: []plan.Item{}}
		return res
	}

	allowed := keySet(itemKeys[step.Intent], stepOnlyKeys[step.Intent])
	raw := filterKeys(step.RawArgs, allowed)

	v := &stepValidator{step: step, loc: loc}

	if itemsRaw, ok := raw["items"]; ok {
		v.parseItems(itemsRaw)
	} else {
		v.parseLegacy(raw, step.Intent)
	}

	if len(v.items) == 0 {
		v.issue(plan.IssueMissingSlot, "items", "no usable items remained after validation")
	}
	res.Args = plan.StepArgs{Items: v.items}
	res.Issues = v.issues
	return res
}

type stepValidator struct {
	step   plan.PlanStep
	loc    *time.Location
	items  []plan.Item
	issues plan.Issues
}

func (v *stepValidator) issue(kind plan.IssueKind, slot, detail string) {
	v.issues = append(v.issues, plan.ValidationIssue{
		StepID: v.step.ID,
		Kind:   kind,
		Slot:   slot,
		Detail: detail,
	})
}

func (v *stepValidator) parseItems(itemsRaw json.RawMessage) {
	var rawItems []map[string]json.RawMessage
	if err := json.Unmarshal(itemsRaw, &rawItems); err != nil {
		v.issue(plan.IssueInvalidValue, "items", fmt.Sprintf("items is not a list: %v", err))
		return
	}
	allowed := keySet(itemKeys[v.step.Intent], nil)
	for i, rawItem := range rawItems {
		item, ok := v.parseItem(filterKeys(rawItem, allowed), i)
		if ok {
			v.items = append(v.items, item)
		}
	}
}

// parseLegacy materializes step-level single-item fields into a one-element
// items list. Step-level id lists (event_ids, task_ids) fan out into one item
// per token; range tokens like "1~3" stay verbatim for the resolver.
func (v *stepValidator) parseLegacy(raw map[string]json.RawMessage, intent plan.Intent) {
	idsKey := ""
	switch intent {
	case plan.IntentUpdateEvent, plan.IntentCancelEvent:
		idsKey = "event_ids"
	case plan.IntentUpdateTask, plan.IntentCancelTask:
		idsKey = "task_ids"
	}
	if idsKey != "" {
		if idsRaw, ok := raw[idsKey]; ok {
			var ids []string
			if err := json.Unmarshal(idsRaw, &ids); err != nil {
				v.issue(plan.IssueInvalidValue, idsKey, fmt.Sprintf("not a string list: %v", err))
			} else {
				for _, id := range ids {
					if id = strings.TrimSpace(id); id == "" {
						continue
					}
					item := plan.Item{}
					if intent.Family() == plan.FamilyEvents {
						item.EventID = id
					} else {
						item.TaskID = id
					}
					v.items = append(v.items, item)
				}
				return
			}
		}
	}

	if len(raw) == 0 {
		return
	}
	if item, ok := v.parseItem(raw, -1); ok {
		v.items = append(v.items, item)
	}
}

// parseItem parses one raw item. idx >= 0 embeds the item index in issue
// details; -1 marks the legacy single-item fallback.
func (v *stepValidator) parseItem(raw map[string]json.RawMessage, idx int) (plan.Item, bool) {
	slot := func(field string) string {
		if idx >= 0 {
			return "items"
		}
		return field
	}
	detail := func(field, msg string) string {
		if idx >= 0 {
			return fmt.Sprintf("items[%d].%s: %s", idx, field, msg)
		}
		return msg
	}
	var item plan.Item

	item.Title = v.stringField(raw, "title", slot("title"), detail)
	item.Location = v.stringField(raw, "location", slot("location"), detail)
	item.Description = v.stringField(raw, "description", slot("description"), detail)
	item.EventID = v.idField(raw, "event_id", slot("event_id"), detail)
	item.TaskID = v.idField(raw, "task_id", slot("task_id"), detail)

	if rawStatus, ok := raw["status"]; ok {
		var status string
		if err := json.Unmarshal(rawStatus, &status); err != nil {
			v.issue(plan.IssueInvalidValue, slot("status"), detail("status", err.Error()))
		} else if status = strings.ToLower(strings.TrimSpace(status)); status != "" {
			if !validTaskStatus[status] {
				v.issue(plan.IssueInvalidValue, slot("status"), detail("status", fmt.Sprintf("unknown status %q", status)))
			} else {
				item.Status = status
			}
		}
	}

	if rawAllDay, ok := raw["all_day"]; ok {
		var b bool
		if err := json.Unmarshal(rawAllDay, &b); err != nil {
			v.issue(plan.IssueInvalidValue, slot("all_day"), detail("all_day", err.Error()))
		} else {
			item.AllDay = &b
		}
	}

	if rawRem, ok := raw["reminders"]; ok {
		var mins []int
		if err := json.Unmarshal(rawRem, &mins); err != nil {
			v.issue(plan.IssueInvalidValue, slot("reminders"), detail("reminders", err.Error()))
		} else {
			for _, m := range mins {
				if m < 0 {
					v.issue(plan.IssueInvalidValue, slot("reminders"), detail("reminders", fmt.Sprintf("negative reminder %d", m)))
					continue
				}
				item.Reminders = append(item.Reminders, m)
			}
		}
	}

	v.parseTimes(raw, &item, slot, detail)
	v.parseRecurrence(raw, &item, slot, detail)

	return item, v.checkRequired(&item, slot, detail)
}

func (v *stepValidator) stringField(raw map[string]json.RawMessage, key, slot string, detail func(string, string) string) string {
	rawVal, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(rawVal, &s); err != nil {
		v.issue(plan.IssueInvalidValue, slot, detail(key, err.Error()))
		return ""
	}
	return strings.TrimSpace(s)
}

// idField tolerates numeric ids: oracles routinely emit ordinals as numbers.
func (v *stepValidator) idField(raw map[string]json.RawMessage, key, slot string, detail func(string, string) string) string {
	rawVal, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(rawVal, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(rawVal, &n); err == nil {
		return n.String()
	}
	v.issue(plan.IssueInvalidValue, slot, detail(key, "expected string or number"))
	return ""
}

func (v *stepValidator) parseTimes(raw map[string]json.RawMessage, item *plan.Item, slot func(string) string, detail func(string, string) string) {
	loc := v.loc
	if loc == nil {
		loc = time.Local
	}

	if s := v.stringField(raw, "start", slot("start"), detail); s != "" {
		lt, err := ParseLocalTime(s, loc)
		if err != nil {
			v.issue(plan.IssueInvalidValue, slot("start"), detail("start", err.Error()))
		} else {
			item.Start = &lt
		}
	}
	if s := v.stringField(raw, "end", slot("end"), detail); s != "" {
		lt, err := ParseLocalTime(s, loc)
		if err != nil {
			v.issue(plan.IssueInvalidValue, slot("end"), detail("end", err.Error()))
		} else {
			item.End = &lt
		}
	}

	// start_date + time compose into a timed start when both parse.
	if s := v.stringField(raw, "start_date", slot("start_date"), detail); s != "" && item.Start == nil {
		lt, err := ParseLocalTime(s, loc)
		if err != nil {
			v.issue(plan.IssueInvalidValue, slot("start_date"), detail("start_date", err.Error()))
		} else {
			if clock := v.stringField(raw, "time", slot("time"), detail); clock != "" {
				h, m, err := ParseClock(clock)
				if err != nil {
					v.issue(plan.IssueInvalidValue, slot("time"), detail("time", err.Error()))
				} else {
					lt = Combine(lt, h, m)
				}
			}
			item.Start = &lt
		}
	}

	if rawDur, ok := raw["duration_minutes"]; ok {
		n, err := asInt(rawDur)
		if err != nil || n < 0 {
			v.issue(plan.IssueInvalidValue, slot("duration_minutes"), detail("duration_minutes", "expected non-negative integer"))
		} else {
			item.DurationMinutes = n
		}
	}
	if item.End == nil && item.DurationMinutes > 0 && item.Start != nil && !item.Start.DateOnly {
		end := plan.LocalTime{Time: item.Start.Time.Add(time.Duration(item.DurationMinutes) * time.Minute)}
		item.End = &end
	}

	// A date-only start on a timed operation keeps its date-only form and
	// infers the all-day flag instead of being silently upgraded to midnight.
	if v.step.Intent.Family() == plan.FamilyEvents && item.Start != nil && item.Start.DateOnly && item.AllDay == nil {
		allDay := true
		item.AllDay = &allDay
	}

	if item.Start != nil && item.End != nil && !item.Start.DateOnly && !item.End.DateOnly &&
		item.End.Time.Before(item.Start.Time) {
		v.issue(plan.IssueInvalidValue, slot("end"), detail("end", "end precedes start"))
		item.End = nil
	}
}

func (v *stepValidator) parseRecurrence(raw map[string]json.RawMessage, item *plan.Item, slot func(string) string, detail func(string, string) string) {
	if rawSpec, ok := raw["recurrence"]; ok {
		var spec plan.RecurrenceSpec
		if err := json.Unmarshal(rawSpec, &spec); err != nil {
			v.issue(plan.IssueInvalidValue, slot("recurrence"), detail("recurrence", err.Error()))
		} else if norm, err := NormalizeRecurrence(spec); err != nil {
			v.issue(plan.IssueInvalidValue, slot("recurrence"), detail("recurrence", err.Error()))
		} else {
			item.Recurrence = norm
		}
	}
	// A rule string only applies when no structured spec survived.
	if item.Recurrence == nil {
		if rule := v.stringField(raw, "recurrence_rule", slot("recurrence_rule"), detail); rule != "" {
			norm, err := ParseRecurrenceRule(rule)
			if err != nil {
				v.issue(plan.IssueInvalidValue, slot("recurrence_rule"), detail("recurrence_rule", err.Error()))
			} else {
				item.Recurrence = norm
			}
		}
	}
}

// checkRequired enforces per-intent required fields; a failing item is
// dropped (with its issue) rather than executed half-formed.
func (v *stepValidator) checkRequired(item *plan.Item, slot func(string) string, detail func(string, string) string) bool {
	switch v.step.Intent {
	case plan.IntentCreateEvent:
		if item.Title == "" {
			v.issue(plan.IssueMissingSlot, slot("title"), detail("title", "event title is required"))
			return false
		}
		if item.Start == nil {
			v.issue(plan.IssueMissingSlot, slot("start"), detail("start", "event start is required"))
			return false
		}
	case plan.IntentCreateTask:
		if item.Title == "" {
			v.issue(plan.IssueMissingSlot, slot("title"), detail("title", "task title is required"))
			return false
		}
	case plan.IntentUpdateEvent, plan.IntentCancelEvent:
		if item.EventID == "" && item.Title == "" {
			// A step depending on earlier steps may target their output; the
			// scheduler patches the id in before execution.
			if len(v.step.DependsOn) > 0 {
				return true
			}
			v.issue(plan.IssueMissingSlot, slot("event_id"), detail("event_id", "no way to identify the target event"))
			return false
		}
	case plan.IntentUpdateTask, plan.IntentCancelTask:
		if item.TaskID == "" && item.Title == "" {
			if len(v.step.DependsOn) > 0 {
				return true
			}
			v.issue(plan.IssueMissingSlot, slot("task_id"), detail("task_id", "no way to identify the target task"))
			return false
		}
	}
	return true
}

func asInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(strings.TrimSpace(s))
	}
	return 0, fmt.Errorf("not an integer")
}

func keySet(keys, extra []string) map[string]bool {
	set := make(map[string]bool, len(keys)+len(extra))
	for _, k := range keys {
		set[k] = true
	}
	for _, k := range extra {
		set[k] = true
	}
	return set
}

func filterKeys(raw map[string]json.RawMessage, allowed map[string]bool) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(raw))
	for k, val := range raw {
		if allowed[k] {
			out[k] = val
		}
	}
	return out
}
