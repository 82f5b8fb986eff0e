// Package session owns per-session mutable state: the pending clarification
// record and the preference record. Both live in a single key-value slot per
// session, read-then-replace, last writer wins.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/store"
)

// PendingClarification freezes a turn that ended needing more information.
// On the next turn the engine skips planning and re-validates only the
// unresolved steps.
type PendingClarification struct {
	FrozenPlan        plan.Plan `json:"frozen_plan"`
	UnresolvedStepIDs []string  `json:"unresolved_step_ids"`
	Source            string    `json:"source"`
	Confidence        float64   `json:"confidence"`
	SavedAt           time.Time `json:"saved_at"`
}

// Preferences is the per-session preference record consulted by the planner
// oracle.
type Preferences struct {
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
	DefaultReminders []int  `json:"default_reminders,omitempty"`
}

// Manager wraps the state store with the record semantics.
type Manager struct {
	state store.StateStore
	log   *slog.Logger
}

// NewManager creates a Manager over the given state store.
func NewManager(state store.StateStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{state: state, log: log.With("component", "session")}
}

// Pending loads the session's pending clarification. A structurally invalid
// record is discarded so the turn falls back to fresh planning.
func (m *Manager) Pending(ctx context.Context, sessionID string) (*PendingClarification, bool) {
	raw, err := m.state.Get(ctx, sessionID, store.StateKeyPending)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("pending clarification load failed", "session", sessionID, "error", err)
		}
		return nil, false
	}
	var pc PendingClarification
	if err := json.Unmarshal(raw, &pc); err != nil {
		m.log.Warn("discarding corrupt pending clarification", "session", sessionID, "error", err)
		m.discard(ctx, sessionID)
		return nil, false
	}
	if err := validate(&pc); err != nil {
		m.log.Warn("discarding invalid pending clarification", "session", sessionID, "error", err)
		m.discard(ctx, sessionID)
		return nil, false
	}
	return &pc, true
}

// Save persists the pending clarification, overwriting any existing record.
func (m *Manager) Save(ctx context.Context, sessionID string, pc PendingClarification) error {
	if pc.SavedAt.IsZero() {
		pc.SavedAt = time.Now()
	}
	raw, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal pending clarification: %w", err)
	}
	if err := m.state.Set(ctx, sessionID, store.StateKeyPending, raw); err != nil {
		return fmt.Errorf("save pending clarification: %w", err)
	}
	return nil
}

// Clear removes the pending record after a completed or superseded turn.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	return m.state.Clear(ctx, sessionID, store.StateKeyPending)
}

func (m *Manager) discard(ctx context.Context, sessionID string) {
	if err := m.state.Clear(ctx, sessionID, store.StateKeyPending); err != nil {
		m.log.Warn("clearing corrupt pending clarification failed", "session", sessionID, "error", err)
	}
}

// Preferences loads the session's preference record; a missing or corrupt
// record yields the zero value.
func (m *Manager) Preferences(ctx context.Context, sessionID string) Preferences {
	raw, err := m.state.Get(ctx, sessionID, store.StateKeyPreferences)
	if err != nil {
		return Preferences{}
	}
	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		m.log.Warn("ignoring corrupt preferences", "session", sessionID, "error", err)
		return Preferences{}
	}
	return prefs
}

// SavePreferences replaces the session's preference record.
func (m *Manager) SavePreferences(ctx context.Context, sessionID string, prefs Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := m.state.Set(ctx, sessionID, store.StateKeyPreferences, raw); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// validate rejects records that no longer describe a usable resume point.
func validate(pc *PendingClarification) error {
	if len(pc.FrozenPlan.Steps) == 0 {
		return fmt.Errorf("frozen plan has no steps")
	}
	if len(pc.UnresolvedStepIDs) == 0 {
		return fmt.Errorf("no unresolved steps")
	}
	for _, id := range pc.UnresolvedStepIDs {
		if pc.FrozenPlan.Step(id) == nil {
			return fmt.Errorf("unresolved step %s not in frozen plan", id)
		}
	}
	return nil
}
