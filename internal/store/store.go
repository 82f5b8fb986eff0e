// Package store defines the external calendar/task store contract and its
// implementations. The engine treats every call as fallible by type; there
// are no panics and no hidden retries above the SQLite busy handler.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/agenda/internal/plan"
)

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("item not found")

// Event is one calendar event row.
type Event struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Start       plan.LocalTime       `json:"start"`
	End         *plan.LocalTime      `json:"end,omitempty"`
	AllDay      bool                 `json:"all_day,omitempty"`
	Location    string               `json:"location,omitempty"`
	Description string               `json:"description,omitempty"`
	Reminders   []int                `json:"reminders,omitempty"`
	Recurrence  *plan.RecurrenceSpec `json:"recurrence,omitempty"`
}

// Task is one task row.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Due         *plan.LocalTime `json:"due,omitempty"`
	Description string          `json:"description,omitempty"`
	Reminders   []int           `json:"reminders,omitempty"`
	Status      string          `json:"status"`
}

// EventPatch carries partial event updates; nil fields stay untouched.
type EventPatch struct {
	Title       *string
	Start       *plan.LocalTime
	End         *plan.LocalTime
	AllDay      *bool
	Location    *string
	Description *string
	Reminders   *[]int
	Recurrence  *plan.RecurrenceSpec
}

// TaskPatch carries partial task updates; nil fields stay untouched.
type TaskPatch struct {
	Title       *string
	Due         *plan.LocalTime
	Description *string
	Reminders   *[]int
	Status      *string
}

// EventUpdate pairs a target id with its patch for batch updates.
type EventUpdate struct {
	ID    string
	Patch EventPatch
}

// TaskUpdate pairs a target id with its patch for batch updates.
type TaskUpdate struct {
	ID    string
	Patch TaskPatch
}

// Store is the external collaborator contract: idempotent-by-identifier CRUD
// plus batch variants for both item families, and window-bounded reads used
// to build context snapshots and candidate tables.
type Store interface {
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	CreateEvents(ctx context.Context, evs []Event) ([]Event, error)
	UpdateEvent(ctx context.Context, id string, patch EventPatch) (Event, error)
	UpdateEvents(ctx context.Context, updates []EventUpdate) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) error
	DeleteEvents(ctx context.Context, ids []string) error
	ListEvents(ctx context.Context, w plan.Window) ([]Event, error)

	CreateTask(ctx context.Context, task Task) (Task, error)
	CreateTasks(ctx context.Context, tasks []Task) ([]Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error)
	UpdateTasks(ctx context.Context, updates []TaskUpdate) ([]Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasks(ctx context.Context, ids []string) error
	ListTasks(ctx context.Context, w plan.Window) ([]Task, error)
}

// StateStore is the per-session key-value slot used for the pending
// clarification record and the preference record. Semantics are
// read-then-replace, last writer wins; concurrent turns for one session are
// serialized by the caller.
type StateStore interface {
	Get(ctx context.Context, sessionID, key string) (json.RawMessage, error)
	Set(ctx context.Context, sessionID, key string, value json.RawMessage) error
	Clear(ctx context.Context, sessionID, key string) error
}

// State keys.
const (
	StateKeyPending     = "pending_clarification"
	StateKeyPreferences = "preferences"
)
