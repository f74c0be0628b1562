package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the durable job state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobAborted   JobStatus = "aborted"
)

// JobMode distinguishes in-process computation from remote-proxied work.
type JobMode string

const (
	ModeLocal  JobMode = "local"
	ModeRemote JobMode = "remote"
)

// ErrTerminalJob is returned when a write would mutate the status of a
// job that already reached a terminal state.
var ErrTerminalJob = errors.New("job already in a terminal state")

// allowedTransitions is the explicit job state machine. Terminal states
// have no outgoing edges: completed, failed and aborted are absorbing.
var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobPending: {
		JobRunning:   {},
		JobCompleted: {},
		JobFailed:    {},
		JobAborted:   {},
	},
	JobRunning: {
		JobCompleted: {},
		JobFailed:    {},
		JobAborted:   {},
	},
}

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobAborted:
		return true
	}
	return false
}

// CanTransition is the pure transition predicate. Same-state writes are
// allowed for non-terminal states (progress updates re-save running).
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	_, ok := allowedTransitions[from][to]
	return ok
}

// JobRecord is the durable view of one job. Progress is last-observed,
// not maximum-observed.
type JobRecord struct {
	JobID       string
	Status      JobStatus
	Mode        JobMode
	Progress    int
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	Metadata    map[string]string
	StartTime   time.Time
	LastUpdated time.Time
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses []JobStatus
	Mode     JobMode
}

// SaveJob writes a record as a full overwrite; callers merge before
// calling. A status change away from an already-terminal stored status
// is rejected with ErrTerminalJob, keeping terminal states absorbing
// even across racing writers.
func (s *Store) SaveJob(ctx context.Context, rec JobRecord) error {
	if rec.JobID == "" {
		return errors.New("save job: jobId is required")
	}
	now := time.Now().UTC()
	if rec.StartTime.IsZero() {
		rec.StartTime = now
	}
	rec.LastUpdated = now

	meta := "{}"
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode job metadata: %w", err)
		}
		meta = string(b)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?;`, rec.JobID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First write for this jobId.
		case err != nil:
			return fmt.Errorf("read job status: %w", err)
		default:
			if JobStatus(current).IsTerminal() && JobStatus(current) != rec.Status {
				return fmt.Errorf("save job %s: %w", rec.JobID, ErrTerminalJob)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, status, mode, progress, payload, result, error, metadata, start_time, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				status = excluded.status,
				mode = excluded.mode,
				progress = excluded.progress,
				payload = excluded.payload,
				result = excluded.result,
				error = excluded.error,
				metadata = excluded.metadata,
				start_time = excluded.start_time,
				last_updated = excluded.last_updated;
		`, rec.JobID, rec.Status, rec.Mode, rec.Progress,
			nullableRaw(rec.Payload), nullableRaw(rec.Result), rec.Error, meta,
			rec.StartTime.Format(time.RFC3339Nano), rec.LastUpdated.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		return tx.Commit()
	})
}

// GetJob returns the record for jobId, or nil if none exists.
func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, mode, progress, payload, result, error, metadata, start_time, last_updated
		FROM jobs WHERE job_id = ?;
	`, jobID)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

// ListJobs returns records matching the filter, oldest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	query := `
		SELECT job_id, status, mode, progress, payload, result, error, metadata, start_time, last_updated
		FROM jobs`
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Mode != "" {
		clauses = append(clauses, "mode = ?")
		args = append(args, filter.Mode)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_time ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// DeleteJob removes a record. Pruning is the caller's responsibility;
// the engine never deletes on its own.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?;`, jobID); err != nil {
			return fmt.Errorf("delete job %s: %w", jobID, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec              JobRecord
		payload, result  sql.NullString
		meta             string
		started, updated string
	)
	if err := row.Scan(
		&rec.JobID, &rec.Status, &rec.Mode, &rec.Progress,
		&payload, &result, &rec.Error, &meta, &started, &updated,
	); err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	var err error
	if rec.StartTime, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse last_updated: %w", err)
	}
	return &rec, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
