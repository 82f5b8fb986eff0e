// Package engine drives one conversational turn through the plan lifecycle:
// planning, normalization, per-level concurrent field extraction, schema
// validation, reference resolution, execution and the resumable
// clarification state machine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agenda/internal/bus"
	"github.com/basket/agenda/internal/oracle"
	otelpkg "github.com/basket/agenda/internal/otel"
	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/resolve"
	"github.com/basket/agenda/internal/schedule"
	"github.com/basket/agenda/internal/session"
	"github.com/basket/agenda/internal/slots"
	"github.com/basket/agenda/internal/store"
)

// TurnStatus classifies one processed turn.
type TurnStatus string

const (
	StatusCompleted     TurnStatus = "completed"
	StatusPlanned       TurnStatus = "planned"
	StatusClarification TurnStatus = "needs_clarification"
	StatusFailed        TurnStatus = "failed"
)

// TurnRequest is one user utterance to process.
type TurnRequest struct {
	SessionID string
	Utterance string
	Now       time.Time
	// DryRun validates and resolves the plan but executes nothing.
	DryRun bool
}

// TurnResponse is the engine's output contract: status, the canonical plan
// and either results, issues plus a question, or nothing more.
type TurnResponse struct {
	Status     TurnStatus            `json:"status"`
	Input      string                `json:"input"`
	Timezone   string                `json:"timezone"`
	Language   string                `json:"language"`
	Plan       plan.Plan             `json:"plan"`
	Confidence float64               `json:"confidence"`
	Issues     plan.Issues           `json:"issues,omitempty"`
	Question   string                `json:"question,omitempty"`
	Results    []schedule.StepResult `json:"results,omitempty"`
}

// Engine owns the turn pipeline. All state lives in the injected store and
// session manager; the engine itself is stateless between turns. Concurrent
// turns for one session are serialized by the caller.
type Engine struct {
	oracles   oracle.Suite
	store     store.Store
	sessions  *session.Manager
	resolver  *resolve.Resolver
	scheduler *schedule.Scheduler
	bus       *bus.Bus
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *otelpkg.Metrics

	defaultTimezone string
	defaultLanguage string
}

// Options tunes engine construction.
type Options struct {
	DefaultTimezone string
	DefaultLanguage string
	Bus             *bus.Bus
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Metrics         *otelpkg.Metrics
}

// New wires the engine. Any oracle in the suite may be nil; the affected
// stage then degrades to deterministic behavior or a clarification.
func New(oracles oracle.Suite, st store.Store, sessions *session.Manager, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Engine{
		oracles:         oracles,
		store:           st,
		sessions:        sessions,
		resolver:        resolve.New(st, oracles.Resolver, log),
		scheduler:       schedule.New(st, log),
		bus:             opts.Bus,
		log:             log,
		tracer:          opts.Tracer,
		metrics:         opts.Metrics,
		defaultTimezone: opts.DefaultTimezone,
		defaultLanguage: opts.DefaultLanguage,
	}
}

// ProcessTurn runs one utterance through the full pipeline. Bad user input
// and oracle unavailability end as clarification responses, never as errors;
// an error here means the store itself failed.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	utterance := strings.TrimSpace(req.Utterance)
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	began := time.Now()
	ctx, span := otelpkg.StartServerSpan(ctx, e.tracer, "agenda.turn",
		otelpkg.AttrSessionID.String(req.SessionID))
	prefs := e.sessions.Preferences(ctx, req.SessionID)
	resp := TurnResponse{
		Input:    utterance,
		Timezone: firstNonEmpty(prefs.Timezone, e.defaultTimezone),
		Language: firstNonEmpty(prefs.Language, e.defaultLanguage),
	}
	defer func() {
		span.SetAttributes(
			otelpkg.AttrTurnStatus.String(string(resp.Status)),
			otelpkg.AttrPlanSteps.Int(len(resp.Plan.Steps)),
			otelpkg.AttrIssueCount.Int(len(resp.Issues)),
		)
		span.End()
		if e.metrics == nil {
			return
		}
		e.metrics.TurnDuration.Record(ctx, time.Since(began).Seconds())
		if resp.Status == StatusClarification {
			e.metrics.Clarifications.Add(ctx, 1)
		}
		for _, r := range resp.Results {
			if r.OK {
				e.metrics.StepsExecuted.Add(ctx, 1)
			} else {
				e.metrics.StepFailures.Add(ctx, 1)
			}
		}
	}()
	loc, err := time.LoadLocation(resp.Timezone)
	if err != nil {
		e.log.Warn("unknown timezone, falling back to UTC", "timezone", resp.Timezone)
		loc = time.UTC
		resp.Timezone = "UTC"
	}

	if utterance == "" {
		out := plan.ClarifyPlan("What would you like me to do?")
		resp.Plan = out.Plan
		resp.Status = StatusClarification
		resp.Question = "What would you like me to do?"
		e.publishTurn(req.SessionID, resp)
		return resp, nil
	}

	var p plan.Plan
	var resumedSteps []string
	source := "plan"

	if pending, ok := e.sessions.Pending(ctx, req.SessionID); ok {
		// Resume: planning is skipped and only the previously unresolved
		// steps re-enter validation.
		e.log.Info("resuming pending clarification",
			"session", req.SessionID, "unresolved", pending.UnresolvedStepIDs)
		p = clonePlan(pending.FrozenPlan)
		resumedSteps = pending.UnresolvedStepIDs
		resp.Confidence = pending.Confidence
		source = pending.Source
	} else {
		planCtx, planSpan := otelpkg.StartSpan(ctx, e.tracer, "agenda.turn.plan")
		out, planErr := e.draftPlan(planCtx, utterance, now, prefs)
		planSpan.End()
		if planErr != nil {
			// Oracle unavailability degrades to a single clarification step,
			// never an error.
			e.log.Warn("planner unavailable", "error", planErr)
			out = plan.ClarifyPlan("I could not work out a plan for that right now. Could you rephrase or try again later?")
		}
		norm := plan.Normalize(out)
		p = norm.Plan
		resp.Confidence = norm.Confidence
	}

	if isClarifyOnly(&p) {
		resp.Plan = p
		resp.Status = StatusClarification
		resp.Question = clarifyQuestion(&p)
		e.publishTurn(req.SessionID, resp)
		return resp, nil
	}

	extractCtx, extractSpan := otelpkg.StartSpan(ctx, e.tracer, "agenda.turn.extract",
		otelpkg.AttrPlanSteps.Int(len(p.Steps)))
	issues := e.extractAndValidate(extractCtx, &p, utterance, now, loc, resp.Language, resumedSteps)
	extractSpan.End()
	if len(issues) > 0 {
		source = "schema"
	}

	var snap *resolve.Snapshot
	if w, ok := planWindow(&p); ok {
		resolveCtx, resolveSpan := otelpkg.StartSpan(ctx, e.tracer, "agenda.turn.resolve")
		outcome, resolveErr := e.resolver.ResolvePlan(resolveCtx, &p, resolve.Input{
			Utterance: utterance,
			Now:       now,
			Timezone:  resp.Timezone,
			Window:    w,
			StepIDs:   resumedSteps,
		})
		resolveSpan.End()
		if resolveErr != nil {
			return resp, fmt.Errorf("resolve plan: %w", resolveErr)
		}
		if len(outcome.Issues) > 0 && len(issues) == 0 {
			source = "resolve"
		}
		issues = append(issues, outcome.Issues...)
		snap = &outcome.Snapshot
	}

	resp.Plan = p
	resp.Issues = issues

	if len(issues) > 0 {
		resp.Status = StatusClarification
		resp.Question = e.question(ctx, utterance, issues)
		pc := session.PendingClarification{
			FrozenPlan:        p,
			UnresolvedStepIDs: issues.StepIDs(),
			Source:            source,
			Confidence:        resp.Confidence,
		}
		if err := e.sessions.Save(ctx, req.SessionID, pc); err != nil {
			e.log.Warn("saving pending clarification failed", "session", req.SessionID, "error", err)
		}
		e.publishTurn(req.SessionID, resp)
		return resp, nil
	}

	if req.DryRun {
		resp.Status = StatusPlanned
		e.publishTurn(req.SessionID, resp)
		return resp, nil
	}

	execCtx, execSpan := otelpkg.StartSpan(ctx, e.tracer, "agenda.turn.execute")
	execBegan := time.Now()
	outcome := e.scheduler.Execute(execCtx, &p, snap)
	if e.metrics != nil {
		e.metrics.StoreCallDuration.Record(ctx, time.Since(execBegan).Seconds())
	}
	execSpan.End()
	resp.Results = outcome.Results
	if outcome.Halted {
		resp.Status = StatusFailed
	} else {
		resp.Status = StatusCompleted
	}
	if err := e.sessions.Clear(ctx, req.SessionID); err != nil {
		e.log.Warn("clearing pending clarification failed", "session", req.SessionID, "error", err)
	}
	e.publishTurn(req.SessionID, resp)
	return resp, nil
}

func (e *Engine) draftPlan(ctx context.Context, utterance string, now time.Time, prefs session.Preferences) (plan.PlannerOutput, error) {
	if e.oracles.Planner == nil {
		return plan.PlannerOutput{}, oracle.ErrUnavailable
	}
	return e.oracles.Planner.Plan(ctx, oracle.PlanRequest{
		Utterance:   utterance,
		Now:         now,
		Timezone:    firstNonEmpty(prefs.Timezone, e.defaultTimezone),
		Preferences: prefs,
	})
}

// extractAndValidate runs the extractor fan-out level by level, then the
// schema phase per step. Steps in one dependency level extract concurrently
// and the next level starts only after every call returned. On resumed
// turns only the named steps are touched; the rest keep their accepted
// arguments byte for byte.
func (e *Engine) extractAndValidate(ctx context.Context, p *plan.Plan, utterance string, now time.Time, loc *time.Location, language string, only []string) plan.Issues {
	selected := make(map[string]bool, len(only))
	for _, id := range only {
		selected[id] = true
	}
	include := func(step *plan.PlanStep) bool {
		if step.Intent == plan.IntentClarify {
			return false
		}
		return len(selected) == 0 || selected[step.ID]
	}

	var mu sync.Mutex
	var issues plan.Issues

	for _, level := range schedule.Levels(p) {
		var wg sync.WaitGroup
		for _, step := range level {
			if !include(step) {
				continue
			}
			wg.Add(1)
			go func(step *plan.PlanStep) {
				defer wg.Done()
				// Resumed steps always re-extract: the new utterance carries
				// the user's answer.
				if e.oracles.Extractor != nil && (len(step.RawArgs) == 0 || selected[step.ID]) {
					res, err := e.oracles.Extractor.Extract(ctx, oracle.ExtractRequest{
						Utterance: utterance,
						Now:       now,
						Timezone:  loc.String(),
						Language:  language,
						Intent:    step.Intent,
						Hint:      step.Hint,
					})
					if err != nil {
						e.log.Warn("extractor failed", "step", step.ID, "error", err)
						mu.Lock()
						issues = append(issues, plan.ValidationIssue{
							StepID: step.ID,
							Kind:   plan.IssueMissingSlot,
							Slot:   "items",
							Detail: "field extraction failed; please spell out the details",
						})
						mu.Unlock()
						return
					}
					// The new extraction layers over the frozen bag so a resumed
					// answer never erases fields accepted in an earlier turn.
					step.RawArgs = mergeRawArgs(step.RawArgs, res.Args)
				}
				result := slots.ValidateStep(*step, loc)
				step.Args = &result.Args
				if len(result.Issues) > 0 {
					mu.Lock()
					issues = append(issues, result.Issues...)
					mu.Unlock()
				}
			}(step)
		}
		wg.Wait()
	}
	return issues
}

func (e *Engine) question(ctx context.Context, utterance string, issues plan.Issues) string {
	if e.oracles.Questioner == nil {
		return oracle.FormatQuestion(issues)
	}
	q, err := e.oracles.Questioner.Question(ctx, utterance, issues)
	if err != nil || strings.TrimSpace(q) == "" {
		return oracle.FormatQuestion(issues)
	}
	return q
}

func (e *Engine) publishTurn(sessionID string, resp TurnResponse) {
	if e.bus == nil {
		return
	}
	e.bus.Publish("turn."+string(resp.Status), bus.TurnEvent{
		SessionID: sessionID,
		Status:    string(resp.Status),
		Steps:     len(resp.Plan.Steps),
		Issues:    len(resp.Issues),
	})
}

// planWindow unions every step's query windows into the turn's context
// window. ok is false when the plan carries no windows at all.
func planWindow(p *plan.Plan) (plan.Window, bool) {
	var out plan.Window
	found := false
	for _, step := range p.Steps {
		for _, w := range step.QueryWindow {
			if w.Validate() != nil {
				continue
			}
			if !found {
				out = w
				found = true
				continue
			}
			if w.StartDate < out.StartDate {
				out.StartDate = w.StartDate
			}
			if w.EndDate > out.EndDate {
				out.EndDate = w.EndDate
			}
		}
	}
	return out, found
}

func isClarifyOnly(p *plan.Plan) bool {
	return len(p.Steps) == 1 && p.Steps[0].Intent == plan.IntentClarify
}

func clarifyQuestion(p *plan.Plan) string {
	if hint := strings.TrimSpace(p.Steps[0].Hint); hint != "" {
		return hint
	}
	return "Could you tell me more about what you would like to do?"
}

// mergeRawArgs lays fresh over frozen, key by key. Keys answered in the new
// utterance win; everything the user already supplied stays.
func mergeRawArgs(frozen, fresh map[string]json.RawMessage) map[string]json.RawMessage {
	if len(frozen) == 0 {
		return fresh
	}
	out := make(map[string]json.RawMessage, len(frozen)+len(fresh))
	for k, v := range frozen {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

func clonePlan(p plan.Plan) plan.Plan {
	out := plan.Plan{Steps: make([]plan.PlanStep, 0, len(p.Steps))}
	for _, step := range p.Steps {
		out.Steps = append(out.Steps, step.Clone())
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
