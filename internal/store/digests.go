package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DigestSchedule is a recurring agenda-summary trigger. The cron scheduler
// fires due schedules by running a summarize turn for the owning session.
type DigestSchedule struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Name       string     `json:"name"`
	CronExpr   string     `json:"cron_expr"`
	WindowDays int        `json:"window_days"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// CreateDigestSchedule inserts a digest schedule, assigning an id if empty.
func (s *SQLite) CreateDigestSchedule(ctx context.Context, d DigestSchedule) (DigestSchedule, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.WindowDays <= 0 {
		d.WindowDays = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO digest_schedules (id, session_id, name, cron_expr, window_days, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, d.ID, d.SessionID, d.Name, d.CronExpr, d.WindowDays, d.NextRunAt)
		return err
	})
	if err != nil {
		return DigestSchedule{}, fmt.Errorf("insert digest schedule: %w", err)
	}
	return d, nil
}

// ListDigestSchedules returns the session's schedules ordered by name.
func (s *SQLite) ListDigestSchedules(ctx context.Context, sessionID string) ([]DigestSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, window_days, last_run_at, next_run_at
		FROM digest_schedules
		WHERE session_id = ?
		ORDER BY name ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query digest schedules: %w", err)
	}
	defer rows.Close()
	return scanDigestSchedules(rows)
}

// DueDigestSchedules returns schedules whose next_run_at is at or before now.
// Schedules that never ran (next_run_at NULL) are due immediately.
func (s *SQLite) DueDigestSchedules(ctx context.Context, now time.Time) ([]DigestSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, window_days, last_run_at, next_run_at
		FROM digest_schedules
		WHERE next_run_at IS NULL OR next_run_at <= ?
		ORDER BY id ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due digest schedules: %w", err)
	}
	defer rows.Close()
	return scanDigestSchedules(rows)
}

func scanDigestSchedules(rows *sql.Rows) ([]DigestSchedule, error) {
	var out []DigestSchedule
	for rows.Next() {
		var d DigestSchedule
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Name, &d.CronExpr, &d.WindowDays, &lastRun, &nextRun); err != nil {
			return nil, fmt.Errorf("scan digest schedule: %w", err)
		}
		if lastRun.Valid {
			d.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			d.NextRunAt = &nextRun.Time
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("digest schedule rows: %w", err)
	}
	return out, nil
}

// UpdateDigestRun records a fired schedule's run timestamps.
func (s *SQLite) UpdateDigestRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE digest_schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ranAt, nextRun, id)
		if err != nil {
			return fmt.Errorf("update digest run: %w", err)
		}
		return nil
	})
}
