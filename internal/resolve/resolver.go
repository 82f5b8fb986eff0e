// Package resolve implements the context phase of step validation: turning
// natural references (titles, ordinals, ordinal ranges) into concrete store
// identifiers against a candidate set drawn from a context window. When
// structural resolution cannot decide, it escalates to the resolver oracle,
// which may select a candidate, propose a strictly broader window, or hand
// the question back to the user.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/store"
)

const (
	// DefaultMaxExpandAttempts bounds how many times the loop accepts an
	// expand_context outcome before converting the ambiguity into an issue.
	DefaultMaxExpandAttempts = 2
	// DefaultMaxOracleCalls bounds resolver oracle invocations per turn.
	DefaultMaxOracleCalls = 1
	// MaxOracleCandidates caps how many candidate summaries ride along on one
	// oracle request.
	MaxOracleCandidates = 40
)

// Decision is the structurally validated output of one resolver oracle call.
type Decision struct {
	Action     string       `json:"action"` // select_event | expand_context | ask_user
	SelectedID string       `json:"selected_id,omitempty"`
	Window     *plan.Window `json:"window,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Request carries everything the resolver oracle sees for one escalation.
type Request struct {
	Utterance  string           `json:"utterance"`
	Intent     plan.Intent      `json:"intent"`
	Args       plan.StepArgs    `json:"args"`
	Window     plan.Window      `json:"window"`
	Candidates []plan.Candidate `json:"candidates"`
	Now        time.Time        `json:"now"`
	Timezone   string           `json:"timezone"`
}

// Oracle is the external reference-resolution collaborator. Unavailability
// or malformed output surfaces as an error and degrades to an issue, never a
// crash.
type Oracle interface {
	ResolveReference(ctx context.Context, req Request) (Decision, error)
}

// Loader is the window-bounded read side of the store, used to build context
// snapshots and candidate tables.
type Loader interface {
	ListEvents(ctx context.Context, w plan.Window) ([]store.Event, error)
	ListTasks(ctx context.Context, w plan.Window) ([]store.Task, error)
}

// Snapshot is the loaded state of one context window. The scheduler reuses
// it after mutations via Refresh.
type Snapshot struct {
	Window plan.Window
	Events []store.Event
	Tasks  []store.Task
}

// LoadSnapshot reads both item families for the window.
func LoadSnapshot(ctx context.Context, loader Loader, w plan.Window) (Snapshot, error) {
	events, err := loader.ListEvents(ctx, w)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list events: %w", err)
	}
	tasks, err := loader.ListTasks(ctx, w)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tasks: %w", err)
	}
	return Snapshot{Window: w, Events: events, Tasks: tasks}, nil
}

// RefreshEvents reloads the event half of the snapshot.
func (s *Snapshot) RefreshEvents(ctx context.Context, loader Loader) error {
	events, err := loader.ListEvents(ctx, s.Window)
	if err != nil {
		return fmt.Errorf("refresh events: %w", err)
	}
	s.Events = events
	return nil
}

// RefreshTasks reloads the task half of the snapshot.
func (s *Snapshot) RefreshTasks(ctx context.Context, loader Loader) error {
	tasks, err := loader.ListTasks(ctx, s.Window)
	if err != nil {
		return fmt.Errorf("refresh tasks: %w", err)
	}
	s.Tasks = tasks
	return nil
}

// Resolver runs the bounded reference-resolution loop for one turn.
type Resolver struct {
	loader            Loader
	oracle            Oracle
	log               *slog.Logger
	maxExpandAttempts int
	maxOracleCalls    int
}

// New creates a Resolver with the default budgets. oracle may be nil, in
// which case every escalation degrades directly to an issue.
func New(loader Loader, oracle Oracle, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		loader:            loader,
		oracle:            oracle,
		log:               log.With("component", "resolve"),
		maxExpandAttempts: DefaultMaxExpandAttempts,
		maxOracleCalls:    DefaultMaxOracleCalls,
	}
}

// Input is one turn's resolution work.
type Input struct {
	Utterance string
	Now       time.Time
	Timezone  string
	Window    plan.Window
	// StepIDs limits resolution to the named steps; empty means every step
	// that needs context. Resumed turns pass the previously unresolved set.
	StepIDs []string
}

// Outcome reports what the loop did. Steps are mutated in place: resolved
// items carry real identifiers afterwards.
type Outcome struct {
	Snapshot   Snapshot
	Issues     plan.Issues
	Expansions int
}

// escalation is one unresolved reference waiting for an oracle verdict.
type escalation struct {
	step    *plan.PlanStep
	itemIdx int
	kind    plan.IssueKind
	slot    string
	detail  string
}

// ResolvePlan resolves every context-dependent reference in the plan, loading
// the window snapshot, consulting the oracle at most maxOracleCalls times and
// honoring at most maxExpandAttempts strictly-broadening window expansions.
// Adversarial oracle behavior terminates in issues, never in a loop.
func (r *Resolver) ResolvePlan(ctx context.Context, p *plan.Plan, in Input) (Outcome, error) {
	window := in.Window
	oracleCalls := 0
	expansions := 0

	for {
		snap, err := LoadSnapshot(ctx, r.loader, window)
		if err != nil {
			return Outcome{}, err
		}
		events := newAliasTable(eventCandidates(snap.Events))
		tasks := newAliasTable(taskCandidates(snap.Tasks))

		issues, pending := r.resolveStructural(p, in.StepIDs, events, tasks)
		if len(pending) == 0 {
			return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
		}

		esc := pending[0]
		if r.oracle == nil || oracleCalls >= r.maxOracleCalls {
			issues = append(issues, escalationIssues(pending, events, tasks)...)
			return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
		}
		oracleCalls++

		table := tableFor(esc.step.Intent, events, tasks)
		req := Request{
			Utterance:  in.Utterance,
			Intent:     esc.step.Intent,
			Window:     window,
			Candidates: clampCandidates(table.ordered, MaxOracleCandidates),
			Now:        in.Now,
			Timezone:   in.Timezone,
		}
		if esc.step.Args != nil {
			req.Args = *esc.step.Args
		}
		decision, err := r.oracle.ResolveReference(ctx, req)
		if err != nil {
			r.log.Warn("resolver oracle failed", "step", esc.step.ID, "error", err)
			issues = append(issues, escalationIssues(pending, events, tasks)...)
			return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
		}
		r.log.Debug("resolver oracle decision",
			"step", esc.step.ID, "action", decision.Action, "selected", decision.SelectedID)

		switch decision.Action {
		case "select_event":
			c, ok := table.lookup(decision.SelectedID)
			if !ok {
				issues = append(issues, plan.ValidationIssue{
					StepID: esc.step.ID,
					Kind:   plan.IssueNotFound,
					Slot:   esc.slot,
					Detail: fmt.Sprintf("oracle selected %q which is not in the candidate set", decision.SelectedID),
				})
				issues = append(issues, escalationIssues(pending[1:], events, tasks)...)
				return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
			}
			setItemID(esc.step, esc.itemIdx, c.ID)
			// Re-run the structural pass so remaining references resolve
			// against the same snapshot.
			continue

		case "expand_context":
			if decision.Window == nil || !decision.Window.Broadens(window) {
				issues = append(issues, plan.ValidationIssue{
					StepID: esc.step.ID,
					Kind:   plan.IssueInvalidValue,
					Slot:   "query_window",
					Detail: "proposed window does not strictly broaden the current one",
				})
				issues = append(issues, escalationIssues(pending[1:], events, tasks)...)
				return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
			}
			if expansions >= r.maxExpandAttempts {
				issues = append(issues, escalationIssues(pending, events, tasks)...)
				return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
			}
			expansions++
			window = *decision.Window
			continue

		default: // ask_user or anything unrecognized
			reason := decision.Reason
			if reason == "" {
				reason = esc.detail
			}
			issues = append(issues, plan.ValidationIssue{
				StepID:     esc.step.ID,
				Kind:       esc.kind,
				Slot:       esc.slot,
				Detail:     reason,
				Candidates: clampCandidates(table.ordered, plan.MaxIssueCandidates),
			})
			issues = append(issues, escalationIssues(pending[1:], events, tasks)...)
			return Outcome{Snapshot: snap, Issues: issues.ClampCandidates(), Expansions: expansions}, nil
		}
	}
}

// resolveStructural runs the deterministic resolution pass over every
// context-dependent step. Resolution order per target expression: direct
// identifier, exact case-insensitive title match, ordinal or range token.
func (r *Resolver) resolveStructural(p *plan.Plan, stepIDs []string, events, tasks *aliasTable) (plan.Issues, []escalation) {
	only := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		only[id] = true
	}

	var issues plan.Issues
	var pending []escalation

	for i := range p.Steps {
		step := &p.Steps[i]
		if !step.Intent.NeedsContext() {
			continue
		}
		if len(only) > 0 && !only[step.ID] {
			continue
		}
		if step.Args == nil {
			continue
		}
		table := tableFor(step.Intent, events, tasks)
		slot := idSlot(step.Intent)

		var resolved []plan.Item
		for idx := range step.Args.Items {
			item := step.Args.Items[idx]
			token := itemID(&item)

			if token == "" && item.Title == "" {
				// Forward reference to a dependency's output; the scheduler
				// patches the id at execution time.
				resolved = append(resolved, item)
				continue
			}

			if token == "" {
				// Title-only reference.
				matches := table.byTitle(item.Title)
				switch len(matches) {
				case 1:
					setID(&item, step.Intent, matches[0].ID)
					resolved = append(resolved, item)
				case 0:
					pending = append(pending, escalation{
						step: step, itemIdx: len(resolved),
						kind: plan.IssueMissingSlot, slot: slot,
						detail: fmt.Sprintf("no item titled %q in the current window", item.Title),
					})
					resolved = append(resolved, item)
				default:
					pending = append(pending, escalation{
						step: step, itemIdx: len(resolved),
						kind: plan.IssueAmbiguousReference, slot: slot,
						detail: fmt.Sprintf("%d items titled %q", len(matches), item.Title),
					})
					resolved = append(resolved, item)
				}
				continue
			}

			if isRange(token) {
				expanded, missing := expandRange(token, table)
				if len(missing) > 0 {
					issues = append(issues, plan.ValidationIssue{
						StepID: step.ID,
						Kind:   plan.IssueInvalidValue,
						Slot:   slot,
						Detail: fmt.Sprintf("unresolved tokens in range %q: %s", token, strings.Join(missing, ", ")),
					})
					continue
				}
				for _, c := range expanded {
					clone := item
					setID(&clone, step.Intent, c.ID)
					resolved = append(resolved, clone)
				}
				continue
			}

			if c, ok := table.lookup(token); ok {
				setID(&item, step.Intent, c.ID)
				resolved = append(resolved, item)
				continue
			}

			if _, err := parseOrdinal(token); err != nil {
				// A non-ordinal token is a direct identifier: accepted as-is,
				// and a stale id surfaces as a store error at execution time.
				resolved = append(resolved, item)
				continue
			}

			pending = append(pending, escalation{
				step: step, itemIdx: len(resolved),
				kind: plan.IssueAmbiguousReference, slot: slot,
				detail: fmt.Sprintf("ordinal %q matches nothing in the current window", token),
			})
			resolved = append(resolved, item)
		}
		step.Args.Items = resolved
	}
	return issues, pending
}

// escalationIssues converts unresolved escalations into terminal issues when
// the oracle budget is exhausted or the oracle is unavailable.
func escalationIssues(pending []escalation, events, tasks *aliasTable) plan.Issues {
	var out plan.Issues
	for _, esc := range pending {
		table := tableFor(esc.step.Intent, events, tasks)
		out = append(out, plan.ValidationIssue{
			StepID:     esc.step.ID,
			Kind:       esc.kind,
			Slot:       esc.slot,
			Detail:     esc.detail,
			Candidates: clampCandidates(table.ordered, plan.MaxIssueCandidates),
		})
	}
	return out
}

func tableFor(intent plan.Intent, events, tasks *aliasTable) *aliasTable {
	if intent.Family() == plan.FamilyTasks {
		return tasks
	}
	return events
}

func idSlot(intent plan.Intent) string {
	if intent.Family() == plan.FamilyTasks {
		return "task_id"
	}
	return "event_id"
}

func itemID(item *plan.Item) string {
	if item.EventID != "" {
		return item.EventID
	}
	return item.TaskID
}

func setID(item *plan.Item, intent plan.Intent, id string) {
	if intent.Family() == plan.FamilyTasks {
		item.TaskID = id
	} else {
		item.EventID = id
	}
}

func setItemID(step *plan.PlanStep, idx int, id string) {
	if step.Args == nil || idx < 0 || idx >= len(step.Args.Items) {
		return
	}
	setID(&step.Args.Items[idx], step.Intent, id)
}

// isRange reports whether the token is an ordinal range like "1~3".
func isRange(token string) bool {
	return strings.Count(token, "~") == 1
}

// expandRange maps every ordinal in an inclusive "lo~hi" range through the
// alias table. Unmapped ordinals come back in missing.
func expandRange(token string, table *aliasTable) (matched []plan.Candidate, missing []string) {
	parts := strings.SplitN(token, "~", 2)
	lo, err1 := parseOrdinal(parts[0])
	hi, err2 := parseOrdinal(parts[1])
	if err1 != nil || err2 != nil || lo < 1 || hi < lo {
		return nil, []string{token}
	}
	for n := lo; n <= hi; n++ {
		tok := ordinal(n)
		c, ok := table.lookup(tok)
		if !ok {
			missing = append(missing, tok)
			continue
		}
		matched = append(matched, c)
	}
	return matched, missing
}

func parseOrdinal(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ordinal")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("ordinal %q is not numeric", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func clampCandidates(cands []plan.Candidate, max int) []plan.Candidate {
	if len(cands) <= max {
		return append([]plan.Candidate(nil), cands...)
	}
	return append([]plan.Candidate(nil), cands[:max]...)
}
