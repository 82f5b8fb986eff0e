package plan

import (
	"encoding/json"
	"fmt"
)

// MaxSteps caps how many steps a draft plan may carry; extra steps are
// truncated before normalization.
const MaxSteps = 8

// ClarifyPlan builds the most conservative known-good plan: a single
// clarification step with confidence 0.
func ClarifyPlan(reason string) PlannerOutput {
	return PlannerOutput{
		Plan: Plan{Steps: []PlanStep{{
			ID:     "s1",
			Intent: IntentClarify,
			Hint:   reason,
			OnFail: OnFailStop,
		}}},
		Confidence: 0,
	}
}

// Normalize turns a raw draft plan into canonical form. It never fails: the
// worst outcome is a single-clarify plan. Running it twice on the same input
// yields identical output.
func Normalize(raw PlannerOutput) PlannerOutput {
	steps := raw.Plan.Steps
	if len(steps) > MaxSteps {
		steps = steps[:MaxSteps]
	}
	if len(steps) == 0 {
		return ClarifyPlan("the draft plan was empty")
	}

	// A catch-all clarify step loses to substantive steps.
	steps = dropClarifyIfMixed(steps)

	// Reassign ids to s1..sN and remap dependencies through the old→new map.
	// A dependency that maps to itself, to a not-yet-seen step (forward
	// reference) or to nothing is dropped, not fatal.
	idMap := make(map[string]string, len(steps))
	out := make([]PlanStep, 0, len(steps))
	for i, s := range steps {
		if !s.Intent.Known() {
			return ClarifyPlan(fmt.Sprintf("unsupported operation %q", s.Intent))
		}
		newID := fmt.Sprintf("s%d", i+1)
		ns := s.Clone()
		ns.ID = newID
		ns.DependsOn = remapDeps(s.DependsOn, idMap)
		ns.QueryWindow = validWindows(s.QueryWindow)
		if ns.OnFail != OnFailContinue {
			ns.OnFail = OnFailStop
		}
		if ns.RawArgs == nil {
			ns.RawArgs = map[string]json.RawMessage{}
		}

		// Hard fail-fast: a window-requiring intent with no usable window
		// invalidates the whole plan, not just the step.
		if s.Intent.RequiresWindow() && len(ns.QueryWindow) == 0 {
			return ClarifyPlan(fmt.Sprintf("a time range is needed for %s", s.Intent))
		}

		idMap[s.ID] = newID
		out = append(out, ns)
	}

	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return PlannerOutput{Plan: Plan{Steps: out}, Confidence: conf}
}

func dropClarifyIfMixed(steps []PlanStep) []PlanStep {
	hasSubstantive := false
	hasClarify := false
	for _, s := range steps {
		if s.Intent == IntentClarify {
			hasClarify = true
		} else {
			hasSubstantive = true
		}
	}
	if !hasClarify || !hasSubstantive {
		return steps
	}
	out := make([]PlanStep, 0, len(steps))
	for _, s := range steps {
		if s.Intent != IntentClarify {
			out = append(out, s)
		}
	}
	return out
}

func remapDeps(deps []string, idMap map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range deps {
		mapped, ok := idMap[d]
		if !ok || seen[mapped] {
			continue
		}
		seen[mapped] = true
		out = append(out, mapped)
	}
	return out
}

func validWindows(windows []Window) []Window {
	var out []Window
	for _, w := range windows {
		if w.Validate() == nil {
			out = append(out, w)
		}
	}
	return out
}
