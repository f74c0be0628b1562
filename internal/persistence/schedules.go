package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule drives recurring job submission: a cron expression plus the
// job payload to submit each time it fires.
type Schedule struct {
	ScheduleID  string
	CronExpr    string
	Mode        JobMode
	Payload     json.RawMessage
	Enabled     bool
	LastFiredAt *time.Time
	CreatedAt   time.Time
}

// CreateSchedule inserts a schedule and returns its id.
func (s *Store) CreateSchedule(ctx context.Context, cronExpr string, mode JobMode, payload json.RawMessage) (string, error) {
	if cronExpr == "" {
		return "", errors.New("create schedule: cron expression is required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (schedule_id, cron_expr, mode, payload, enabled, created_at)
			VALUES (?, ?, ?, ?, 1, ?);
		`, id, cronExpr, mode, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// EnsureSchedule upserts a schedule with a caller-chosen id, used for
// schedules declared in config. The cron expression, mode and payload
// follow the config; enabled state and fire history are preserved on
// update.
func (s *Store) EnsureSchedule(ctx context.Context, scheduleID, cronExpr string, mode JobMode, payload json.RawMessage, enabled bool) error {
	if scheduleID == "" || cronExpr == "" {
		return errors.New("ensure schedule: id and cron expression are required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (schedule_id, cron_expr, mode, payload, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(schedule_id) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				mode = excluded.mode,
				payload = excluded.payload;
		`, scheduleID, cronExpr, mode, string(payload), enabled, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// ListSchedules returns all schedules, optionally only enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	query := `
		SELECT schedule_id, cron_expr, mode, payload, enabled, last_fired_at, created_at
		FROM schedules`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC;"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sched     Schedule
			payload   string
			lastFired sql.NullString
			created   string
		)
		if err := rows.Scan(&sched.ScheduleID, &sched.CronExpr, &sched.Mode, &payload, &sched.Enabled, &lastFired, &created); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Payload = json.RawMessage(payload)
		if lastFired.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastFired.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_fired_at: %w", err)
			}
			sched.LastFiredAt = &t
		}
		if sched.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse schedule created_at: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleFired records the fire time after a successful submit.
func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_fired_at = ? WHERE schedule_id = ?;
		`, at.UTC().Format(time.RFC3339Nano), scheduleID)
		if err != nil {
			return fmt.Errorf("mark schedule fired: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("schedule %s not found", scheduleID)
		}
		return nil
	})
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ? WHERE schedule_id = ?;
		`, enabled, scheduleID)
		return err
	})
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?;`, scheduleID)
		return err
	})
}
