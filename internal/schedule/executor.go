package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/resolve"
	"github.com/basket/agenda/internal/store"
)

// StepResult is the immutable outcome of one executed step.
type StepResult struct {
	StepID string          `json:"step_id"`
	Intent plan.Intent     `json:"intent"`
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`

	// produced carries the identifiers this step created or touched, read
	// when patching forward references of dependent steps.
	produced []string
}

// Summary is the success payload of a summarize step.
type Summary struct {
	Window plan.Window   `json:"window"`
	Events []store.Event `json:"events"`
	Tasks  []store.Task  `json:"tasks"`
}

// Scheduler executes a fully validated plan against the store.
type Scheduler struct {
	store store.Store
	log   *slog.Logger
}

// New creates a Scheduler.
func New(st store.Store, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, log: log.With("component", "schedule")}
}

// Outcome is one turn's execution result set.
type Outcome struct {
	Results []StepResult
	// Halted is true when a stop-policy step failed and execution ended
	// early; results up to and including the failure are still present.
	Halted bool
}

// Execute runs every step in linear order. Store errors are caught at the
// step boundary and converted into a failed StepResult; they are never
// retried here. After a mutation succeeds, the matching half of the snapshot
// is refreshed so later steps in the same turn see up-to-date state.
func (s *Scheduler) Execute(ctx context.Context, p *plan.Plan, snap *resolve.Snapshot) Outcome {
	var out Outcome
	byID := make(map[string]*StepResult)

	for _, step := range LinearOrder(p) {
		if step.Intent == plan.IntentClarify {
			continue
		}
		patchForwardRefs(step, byID)

		res := s.runStep(ctx, step, snap)
		out.Results = append(out.Results, res)
		byID[res.StepID] = &out.Results[len(out.Results)-1]

		if !res.OK {
			s.log.Warn("step failed", "step", step.ID, "intent", step.Intent, "error", res.Error)
			if step.OnFail != plan.OnFailContinue {
				out.Halted = true
				return out
			}
			continue
		}
		if step.Intent.Mutates() && snap != nil {
			var err error
			if step.Intent.Family() == plan.FamilyEvents {
				err = snap.RefreshEvents(ctx, s.store)
			} else {
				err = snap.RefreshTasks(ctx, s.store)
			}
			if err != nil {
				s.log.Warn("snapshot refresh failed", "step", step.ID, "error", err)
			}
		}
	}
	return out
}

func (s *Scheduler) runStep(ctx context.Context, step *plan.PlanStep, snap *resolve.Snapshot) StepResult {
	res := StepResult{StepID: step.ID, Intent: step.Intent}

	data, produced, err := s.dispatch(ctx, step, snap)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Data = data
	res.produced = produced
	return res
}

func (s *Scheduler) dispatch(ctx context.Context, step *plan.PlanStep, snap *resolve.Snapshot) (json.RawMessage, []string, error) {
	items := []plan.Item{}
	if step.Args != nil {
		items = step.Args.Items
	}

	switch step.Intent {
	case plan.IntentCreateEvent:
		return s.createEvents(ctx, items)
	case plan.IntentUpdateEvent:
		return s.updateEvents(ctx, items)
	case plan.IntentCancelEvent:
		return s.deleteEvents(ctx, items)
	case plan.IntentCreateTask:
		return s.createTasks(ctx, items)
	case plan.IntentUpdateTask:
		return s.updateTasks(ctx, items)
	case plan.IntentCancelTask:
		return s.deleteTasks(ctx, items)
	case plan.IntentSummarize:
		return s.summarize(ctx, step, snap)
	}
	return nil, nil, fmt.Errorf("intent %q is not executable", step.Intent)
}

// createEvents uses a direct call for one item and a batched call for more.
func (s *Scheduler) createEvents(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	evs := make([]store.Event, 0, len(items))
	for _, item := range items {
		ev, err := eventFromItem(item)
		if err != nil {
			return nil, nil, err
		}
		evs = append(evs, ev)
	}
	var created []store.Event
	switch len(evs) {
	case 0:
		return nil, nil, fmt.Errorf("no items to create")
	case 1:
		ev, err := s.store.CreateEvent(ctx, evs[0])
		if err != nil {
			return nil, nil, err
		}
		created = []store.Event{ev}
	default:
		var err error
		created, err = s.store.CreateEvents(ctx, evs)
		if err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(created, eventIDs(created))
}

func (s *Scheduler) updateEvents(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	updates := make([]store.EventUpdate, 0, len(items))
	for _, item := range items {
		if item.EventID == "" {
			return nil, nil, fmt.Errorf("update target has no event id")
		}
		updates = append(updates, store.EventUpdate{ID: item.EventID, Patch: eventPatchFromItem(item)})
	}
	var updated []store.Event
	switch len(updates) {
	case 0:
		return nil, nil, fmt.Errorf("no items to update")
	case 1:
		ev, err := s.store.UpdateEvent(ctx, updates[0].ID, updates[0].Patch)
		if err != nil {
			return nil, nil, err
		}
		updated = []store.Event{ev}
	default:
		var err error
		updated, err = s.store.UpdateEvents(ctx, updates)
		if err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(updated, eventIDs(updated))
}

func (s *Scheduler) deleteEvents(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.EventID == "" {
			return nil, nil, fmt.Errorf("cancel target has no event id")
		}
		ids = append(ids, item.EventID)
	}
	switch len(ids) {
	case 0:
		return nil, nil, fmt.Errorf("no items to cancel")
	case 1:
		if err := s.store.DeleteEvent(ctx, ids[0]); err != nil {
			return nil, nil, err
		}
	default:
		if err := s.store.DeleteEvents(ctx, ids); err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(ids, ids)
}

func (s *Scheduler) createTasks(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	tasks := make([]store.Task, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, taskFromItem(item))
	}
	var created []store.Task
	switch len(tasks) {
	case 0:
		return nil, nil, fmt.Errorf("no items to create")
	case 1:
		task, err := s.store.CreateTask(ctx, tasks[0])
		if err != nil {
			return nil, nil, err
		}
		created = []store.Task{task}
	default:
		var err error
		created, err = s.store.CreateTasks(ctx, tasks)
		if err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(created, taskIDs(created))
}

func (s *Scheduler) updateTasks(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	updates := make([]store.TaskUpdate, 0, len(items))
	for _, item := range items {
		if item.TaskID == "" {
			return nil, nil, fmt.Errorf("update target has no task id")
		}
		updates = append(updates, store.TaskUpdate{ID: item.TaskID, Patch: taskPatchFromItem(item)})
	}
	var updated []store.Task
	switch len(updates) {
	case 0:
		return nil, nil, fmt.Errorf("no items to update")
	case 1:
		task, err := s.store.UpdateTask(ctx, updates[0].ID, updates[0].Patch)
		if err != nil {
			return nil, nil, err
		}
		updated = []store.Task{task}
	default:
		var err error
		updated, err = s.store.UpdateTasks(ctx, updates)
		if err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(updated, taskIDs(updated))
}

func (s *Scheduler) deleteTasks(ctx context.Context, items []plan.Item) (json.RawMessage, []string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.TaskID == "" {
			return nil, nil, fmt.Errorf("cancel target has no task id")
		}
		ids = append(ids, item.TaskID)
	}
	switch len(ids) {
	case 0:
		return nil, nil, fmt.Errorf("no items to cancel")
	case 1:
		if err := s.store.DeleteTask(ctx, ids[0]); err != nil {
			return nil, nil, err
		}
	default:
		if err := s.store.DeleteTasks(ctx, ids); err != nil {
			return nil, nil, err
		}
	}
	return marshalPayload(ids, ids)
}

func (s *Scheduler) summarize(ctx context.Context, step *plan.PlanStep, snap *resolve.Snapshot) (json.RawMessage, []string, error) {
	var w plan.Window
	switch {
	case len(step.QueryWindow) > 0:
		w = step.QueryWindow[0]
	case snap != nil:
		w = snap.Window
	default:
		return nil, nil, fmt.Errorf("summarize step has no window")
	}
	events, err := s.store.ListEvents(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.ListTasks(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(Summary{Window: w, Events: events, Tasks: tasks})
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}

// patchForwardRefs fills empty target identifiers from the produced ids of
// dependency steps. One item against one produced id patches directly; equal
// cardinalities patch positionally; any other mismatch is left unpatched and
// surfaces as an execution error downstream.
func patchForwardRefs(step *plan.PlanStep, results map[string]*StepResult) {
	if !step.Intent.NeedsContext() || step.Args == nil || len(step.DependsOn) == 0 {
		return
	}
	var unpatched []int
	for i := range step.Args.Items {
		if itemTargetID(&step.Args.Items[i], step.Intent) == "" {
			unpatched = append(unpatched, i)
		}
	}
	if len(unpatched) == 0 {
		return
	}
	var produced []string
	for _, dep := range step.DependsOn {
		if res, ok := results[dep]; ok && res.OK {
			produced = append(produced, res.produced...)
		}
	}
	if len(produced) == 0 || len(unpatched) != len(produced) {
		return
	}
	for i, idx := range unpatched {
		setTargetID(&step.Args.Items[idx], step.Intent, produced[i])
	}
}

func itemTargetID(item *plan.Item, intent plan.Intent) string {
	if intent.Family() == plan.FamilyTasks {
		return item.TaskID
	}
	return item.EventID
}

func setTargetID(item *plan.Item, intent plan.Intent, id string) {
	if intent.Family() == plan.FamilyTasks {
		item.TaskID = id
	} else {
		item.EventID = id
	}
}

func eventFromItem(item plan.Item) (store.Event, error) {
	if item.Start == nil {
		return store.Event{}, fmt.Errorf("event %q has no start", item.Title)
	}
	ev := store.Event{
		Title:       item.Title,
		Start:       *item.Start,
		End:         item.End,
		Location:    item.Location,
		Description: item.Description,
		Reminders:   item.Reminders,
		Recurrence:  item.Recurrence,
	}
	if item.AllDay != nil {
		ev.AllDay = *item.AllDay
	}
	return ev, nil
}

func eventPatchFromItem(item plan.Item) store.EventPatch {
	var p store.EventPatch
	if item.Title != "" {
		p.Title = &item.Title
	}
	if item.Start != nil {
		p.Start = item.Start
	}
	if item.End != nil {
		p.End = item.End
	}
	if item.AllDay != nil {
		p.AllDay = item.AllDay
	}
	if item.Location != "" {
		p.Location = &item.Location
	}
	if item.Description != "" {
		p.Description = &item.Description
	}
	if len(item.Reminders) > 0 {
		p.Reminders = &item.Reminders
	}
	if item.Recurrence != nil {
		p.Recurrence = item.Recurrence
	}
	return p
}

func taskFromItem(item plan.Item) store.Task {
	return store.Task{
		Title:       item.Title,
		Due:         item.Start,
		Description: item.Description,
		Reminders:   item.Reminders,
		Status:      item.Status,
	}
}

func taskPatchFromItem(item plan.Item) store.TaskPatch {
	var p store.TaskPatch
	if item.Title != "" {
		p.Title = &item.Title
	}
	if item.Start != nil {
		p.Due = item.Start
	}
	if item.Description != "" {
		p.Description = &item.Description
	}
	if len(item.Reminders) > 0 {
		p.Reminders = &item.Reminders
	}
	if item.Status != "" {
		p.Status = &item.Status
	}
	return p
}

func eventIDs(evs []store.Event) []string {
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}

func taskIDs(tasks []store.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func marshalPayload(payload any, ids []string) (json.RawMessage, []string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return data, ids, nil
}
