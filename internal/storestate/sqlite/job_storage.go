package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/storestate"
)

// JobStorage persists JobRecord and RequestRecord rows.
type JobStorage struct {
	db     *DB
	logger arbor.ILogger
}

// NewJobStorage creates a job storage over db.
func NewJobStorage(db *DB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{db: db, logger: logger}
}

// retryOnBusy retries a database operation with exponential backoff on
// SQLITE_BUSY errors, which show up under write contention from concurrent
// job completions.
func retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		errMsg := err.Error()
		if !strings.Contains(errMsg, "database is locked") && !strings.Contains(errMsg, "SQLITE_BUSY") {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
		if attempt == maxRetries-1 {
			break
		}
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
		time.Sleep(delay)
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

func timePtrToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// SaveController records one controller start.
func (s *JobStorage) SaveController(ctx context.Context, rec *storestate.ControllerRecord) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.SQL().ExecContext(ctx,
			"INSERT OR REPLACE INTO controllers (id, start_time, host) VALUES (?, ?, ?)",
			rec.ID, rec.StartTime.Unix(), rec.Host)
		return err
	})
}

// SaveJob inserts or replaces one job row.
func (s *JobStorage) SaveJob(ctx context.Context, rec *storestate.JobRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode job params: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.SQL().ExecContext(ctx, `
			INSERT OR REPLACE INTO jobs
			(id, controller_id, parent_id, kind, state, extended_state, priority, created_at, started_at, finished_at, params)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ControllerID, nullString(rec.ParentID), rec.Kind, rec.State,
			nullString(rec.ExtendedState), rec.Priority, rec.CreatedAt.Unix(),
			timePtrToUnix(rec.StartedAt), timePtrToUnix(rec.FinishedAt), string(params))
		return err
	})
}

// UpdateJobState persists a state transition. The extended state is written
// only at the transition to FINISHED and never overwritten afterwards.
func (s *JobStorage) UpdateJobState(ctx context.Context, jobID, state, extendedState string) error {
	return retryOnBusy(ctx, func() error {
		if extendedState == "" {
			_, err := s.db.SQL().ExecContext(ctx,
				"UPDATE jobs SET state = ?, started_at = COALESCE(started_at, strftime('%s', 'now')) WHERE id = ?",
				state, jobID)
			return err
		}
		_, err := s.db.SQL().ExecContext(ctx, `
			UPDATE jobs SET state = ?, finished_at = strftime('%s', 'now'),
				extended_state = COALESCE(extended_state, ?)
			WHERE id = ?`,
			state, extendedState, jobID)
		return err
	})
}

// GetJob fetches one job row.
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*storestate.JobRecord, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT id, controller_id, COALESCE(parent_id, ''), kind, state, COALESCE(extended_state, ''),
			priority, created_at, started_at, finished_at, COALESCE(params, '[]')
		FROM jobs WHERE id = ?`, jobID)

	var rec storestate.JobRecord
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	var params string
	err := row.Scan(&rec.ID, &rec.ControllerID, &rec.ParentID, &rec.Kind, &rec.State,
		&rec.ExtendedState, &rec.Priority, &createdAt, &startedAt, &finishedAt, &params)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.StartedAt = unixToTimePtr(startedAt)
	rec.FinishedAt = unixToTimePtr(finishedAt)
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("failed to decode job params: %w", err)
	}
	return &rec, nil
}

// SaveRequest inserts or replaces one per-worker request row.
func (s *JobStorage) SaveRequest(ctx context.Context, rec *storestate.RequestRecord) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.SQL().ExecContext(ctx, `
			INSERT OR REPLACE INTO requests (id, job_id, worker, state, created_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.JobID, rec.Worker, rec.State, rec.CreatedAt.Unix(), timePtrToUnix(rec.FinishedAt))
		return err
	})
}

// UpdateRequestState persists one request's state transition.
func (s *JobStorage) UpdateRequestState(ctx context.Context, requestID, state string, finished bool) error {
	return retryOnBusy(ctx, func() error {
		if finished {
			_, err := s.db.SQL().ExecContext(ctx,
				"UPDATE requests SET state = ?, finished_at = strftime('%s', 'now') WHERE id = ?",
				state, requestID)
			return err
		}
		_, err := s.db.SQL().ExecContext(ctx,
			"UPDATE requests SET state = ? WHERE id = ?", state, requestID)
		return err
	})
}

// ListRequests returns every request row belonging to jobID.
func (s *JobStorage) ListRequests(ctx context.Context, jobID string) ([]*storestate.RequestRecord, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, job_id, worker, state, created_at, finished_at
		FROM requests WHERE job_id = ? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*storestate.RequestRecord
	for rows.Next() {
		var rec storestate.RequestRecord
		var createdAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Worker, &rec.State, &createdAt, &finishedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.FinishedAt = unixToTimePtr(finishedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
