package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agenda/internal/plan"
)

// SQLite implements Store and StateStore on a single local database file.
type SQLite struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.agenda/agenda.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenda", "agenda.db")
}

// Open opens (creating if needed) the SQLite store at path.
func Open(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	start       TEXT NOT NULL,
	end         TEXT,
	all_day     INTEGER NOT NULL DEFAULT 0,
	location    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	reminders   TEXT NOT NULL DEFAULT '[]',
	recurrence  TEXT,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	due         TEXT,
	description TEXT NOT NULL DEFAULT '',
	reminders   TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due);

CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS digest_schedules (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	cron_expr  TEXT NOT NULL,
	window_days INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP,
	next_run_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- events ---

func (s *SQLite) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	reminders, err := encodeJSON(ev.Reminders)
	if err != nil {
		return Event{}, fmt.Errorf("encode reminders: %w", err)
	}
	var recurrence sql.NullString
	if ev.Recurrence != nil {
		enc, err := encodeJSON(ev.Recurrence)
		if err != nil {
			return Event{}, fmt.Errorf("encode recurrence: %w", err)
		}
		recurrence = sql.NullString{String: enc, Valid: true}
	}
	var end sql.NullString
	if ev.End != nil {
		end = sql.NullString{String: ev.End.String(), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, title, start, end, all_day, location, description, reminders, recurrence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, ev.ID, ev.Title, ev.Start.String(), end, boolToInt(ev.AllDay), ev.Location, ev.Description, reminders, recurrence)
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

func (s *SQLite) CreateEvents(ctx context.Context, evs []Event) ([]Event, error) {
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		created, err := s.CreateEvent(ctx, ev)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (s *SQLite) getEvent(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, start, end, all_day, location, description, reminders, recurrence
		FROM events WHERE id = ?;
	`, id)
	return scanEvent(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var start string
	var end, recurrence sql.NullString
	var allDay int
	var reminders string
	if err := row.Scan(&ev.ID, &ev.Title, &start, &end, &allDay, &ev.Location, &ev.Description, &reminders, &recurrence); err != nil {
		if err == sql.ErrNoRows {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	if err := decodeLocalTime(start, &ev.Start); err != nil {
		return Event{}, err
	}
	if end.Valid {
		var lt plan.LocalTime
		if err := decodeLocalTime(end.String, &lt); err != nil {
			return Event{}, err
		}
		ev.End = &lt
	}
	ev.AllDay = allDay != 0
	if reminders != "" && reminders != "[]" {
		if err := json.Unmarshal([]byte(reminders), &ev.Reminders); err != nil {
			return Event{}, fmt.Errorf("decode reminders: %w", err)
		}
	}
	if recurrence.Valid && recurrence.String != "" {
		var spec plan.RecurrenceSpec
		if err := json.Unmarshal([]byte(recurrence.String), &spec); err != nil {
			return Event{}, fmt.Errorf("decode recurrence: %w", err)
		}
		ev.Recurrence = &spec
	}
	return ev, nil
}

func decodeLocalTime(s string, out *plan.LocalTime) error {
	return out.UnmarshalJSON([]byte(fmt.Sprintf("%q", s)))
}

func (s *SQLite) UpdateEvent(ctx context.Context, id string, patch EventPatch) (Event, error) {
	ev, err := s.getEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	applyEventPatch(&ev, patch)

	reminders, err := encodeJSON(ev.Reminders)
	if err != nil {
		return Event{}, fmt.Errorf("encode reminders: %w", err)
	}
	var recurrence sql.NullString
	if ev.Recurrence != nil {
		enc, err := encodeJSON(ev.Recurrence)
		if err != nil {
			return Event{}, fmt.Errorf("encode recurrence: %w", err)
		}
		recurrence = sql.NullString{String: enc, Valid: true}
	}
	var end sql.NullString
	if ev.End != nil {
		end = sql.NullString{String: ev.End.String(), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE events
			SET title = ?, start = ?, end = ?, all_day = ?, location = ?, description = ?,
			    reminders = ?, recurrence = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ev.Title, ev.Start.String(), end, boolToInt(ev.AllDay), ev.Location, ev.Description, reminders, recurrence, id)
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("update event: %w", err)
	}
	return ev, nil
}

func applyEventPatch(ev *Event, patch EventPatch) {
	if patch.Title != nil {
		ev.Title = *patch.Title
	}
	if patch.Start != nil {
		ev.Start = *patch.Start
	}
	if patch.End != nil {
		ev.End = patch.End
	}
	if patch.AllDay != nil {
		ev.AllDay = *patch.AllDay
	}
	if patch.Location != nil {
		ev.Location = *patch.Location
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	if patch.Reminders != nil {
		ev.Reminders = *patch.Reminders
	}
	if patch.Recurrence != nil {
		ev.Recurrence = patch.Recurrence
	}
}

func (s *SQLite) UpdateEvents(ctx context.Context, updates []EventUpdate) ([]Event, error) {
	out := make([]Event, 0, len(updates))
	for _, u := range updates {
		ev, err := s.UpdateEvent(ctx, u.ID, u.Patch)
		if err != nil {
			return out, fmt.Errorf("event %s: %w", u.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLite) DeleteEvent(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLite) DeleteEvents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteEvent(ctx, id); err != nil {
			return fmt.Errorf("event %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLite) ListEvents(ctx context.Context, w plan.Window) ([]Event, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, start, end, all_day, location, description, reminders, recurrence
		FROM events
		WHERE substr(start, 1, 10) BETWEEN ? AND ?
		ORDER BY start ASC, id ASC;
	`, w.StartDate, w.EndDate)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// --- tasks ---

func (s *SQLite) CreateTask(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = "pending"
	}
	reminders, err := encodeJSON(task.Reminders)
	if err != nil {
		return Task{}, fmt.Errorf("encode reminders: %w", err)
	}
	var due sql.NullString
	if task.Due != nil {
		due = sql.NullString{String: task.Due.String(), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, due, description, reminders, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, task.ID, task.Title, due, task.Description, reminders, task.Status)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *SQLite) CreateTasks(ctx context.Context, tasks []Task) ([]Task, error) {
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		created, err := s.CreateTask(ctx, task)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (s *SQLite) getTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, due, description, reminders, status FROM tasks WHERE id = ?;
	`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var due sql.NullString
	var reminders string
	if err := row.Scan(&task.ID, &task.Title, &due, &task.Description, &reminders, &task.Status); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	if due.Valid {
		var lt plan.LocalTime
		if err := decodeLocalTime(due.String, &lt); err != nil {
			return Task{}, err
		}
		task.Due = &lt
	}
	if reminders != "" && reminders != "[]" {
		if err := json.Unmarshal([]byte(reminders), &task.Reminders); err != nil {
			return Task{}, fmt.Errorf("decode reminders: %w", err)
		}
	}
	return task, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	applyTaskPatch(&task, patch)

	reminders, err := encodeJSON(task.Reminders)
	if err != nil {
		return Task{}, fmt.Errorf("encode reminders: %w", err)
	}
	var due sql.NullString
	if task.Due != nil {
		due = sql.NullString{String: task.Due.String(), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, due = ?, description = ?, reminders = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, task.Title, due, task.Description, reminders, task.Status, id)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

func applyTaskPatch(task *Task, patch TaskPatch) {
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Due != nil {
		task.Due = patch.Due
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Reminders != nil {
		task.Reminders = *patch.Reminders
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
}

func (s *SQLite) UpdateTasks(ctx context.Context, updates []TaskUpdate) ([]Task, error) {
	out := make([]Task, 0, len(updates))
	for _, u := range updates {
		task, err := s.UpdateTask(ctx, u.ID, u.Patch)
		if err != nil {
			return out, fmt.Errorf("task %s: %w", u.ID, err)
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLite) DeleteTasks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteTask(ctx, id); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
	}
	return nil
}

// ListTasks returns tasks due in the window plus undated tasks, which are
// always visible.
func (s *SQLite) ListTasks(ctx context.Context, w plan.Window) ([]Task, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, due, description, reminders, status
		FROM tasks
		WHERE due IS NULL OR substr(due, 1, 10) BETWEEN ? AND ?
		ORDER BY due IS NULL, due ASC, id ASC;
	`, w.StartDate, w.EndDate)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// --- session state ---

func (s *SQLite) Get(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM session_state WHERE session_id = ? AND key = ?;
	`, sessionID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session state: %w", err)
	}
	return json.RawMessage(value), nil
}

func (s *SQLite) Set(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_state (session_id, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, sessionID, key, string(value))
		if err != nil {
			return fmt.Errorf("set session state: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Clear(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_state WHERE session_id = ? AND key = ?;
	`, sessionID, key)
	if err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
