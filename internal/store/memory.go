package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agenda/internal/plan"
)

// Memory is an in-memory Store and StateStore. It backs tests and the
// no-database REPL mode.
type Memory struct {
	mu     sync.Mutex
	events map[string]Event
	tasks  map[string]Task
	state  map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]Event),
		tasks:  make(map[string]Task),
		state:  make(map[string]map[string]json.RawMessage),
	}
}

func (m *Memory) CreateEvent(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, exists := m.events[ev.ID]; !exists {
		m.events[ev.ID] = ev
	}
	return m.events[ev.ID], nil
}

func (m *Memory) CreateEvents(ctx context.Context, evs []Event) ([]Event, error) {
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		created, err := m.CreateEvent(ctx, ev)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (m *Memory) UpdateEvent(_ context.Context, id string, patch EventPatch) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	applyEventPatch(&ev, patch)
	m.events[id] = ev
	return ev, nil
}

func (m *Memory) UpdateEvents(ctx context.Context, updates []EventUpdate) ([]Event, error) {
	out := make([]Event, 0, len(updates))
	for _, u := range updates {
		ev, err := m.UpdateEvent(ctx, u.ID, u.Patch)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	return nil
}

func (m *Memory) DeleteEvents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := m.DeleteEvent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ListEvents(_ context.Context, w plan.Window) ([]Event, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		day := ev.Start.Time.Format("2006-01-02")
		if day >= w.StartDate && day <= w.EndDate {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Time.Equal(out[j].Start.Time) {
			return out[i].Start.Time.Before(out[j].Start.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, task Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = "pending"
	}
	if _, exists := m.tasks[task.ID]; !exists {
		m.tasks[task.ID] = task
	}
	return m.tasks[task.ID], nil
}

func (m *Memory) CreateTasks(ctx context.Context, tasks []Task) ([]Task, error) {
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		created, err := m.CreateTask(ctx, task)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, patch TaskPatch) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	applyTaskPatch(&task, patch)
	m.tasks[id] = task
	return task, nil
}

func (m *Memory) UpdateTasks(ctx context.Context, updates []TaskUpdate) ([]Task, error) {
	out := make([]Task, 0, len(updates))
	for _, u := range updates {
		task, err := m.UpdateTask(ctx, u.ID, u.Patch)
		if err != nil {
			return out, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) DeleteTasks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := m.DeleteTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ListTasks(_ context.Context, w plan.Window) ([]Task, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		if task.Due == nil {
			out = append(out, task)
			continue
		}
		day := task.Due.Time.Format("2006-01-02")
		if day >= w.StartDate && day <= w.EndDate {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Due, out[j].Due
		switch {
		case di == nil && dj == nil:
			return out[i].ID < out[j].ID
		case di == nil:
			return false
		case dj == nil:
			return true
		case !di.Time.Equal(dj.Time):
			return di.Time.Before(dj.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Get(_ context.Context, sessionID, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kv, ok := m.state[sessionID]; ok {
		if v, ok := kv[key]; ok {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Set(_ context.Context, sessionID, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.state[sessionID]
	if !ok {
		kv = make(map[string]json.RawMessage)
		m.state[sessionID] = kv
	}
	kv[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *Memory) Clear(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kv, ok := m.state[sessionID]; ok {
		delete(kv, key)
	}
	return nil
}
