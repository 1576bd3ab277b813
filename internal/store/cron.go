package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Cron job terminal statuses.
const (
	CronStatusSuccess = "success"
	CronStatusError   = "error"
	CronStatusSkipped = "skipped"
)

// Wake modes for cron tasks.
const (
	WakeNextHeartbeat = "next-heartbeat"
	WakeNow           = "now"
)

// CronJob is one persisted scheduled task. Name is the stable key used
// for reload across restarts.
type CronJob struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Expression     string    `json:"expression"`
	Task           string    `json:"task"`
	Enabled        bool      `json:"enabled"`
	TimeoutSeconds int       `json:"timeoutSeconds"` // 0 = unbounded
	WakeMode       string    `json:"wakeMode"`
	RunOnce        bool      `json:"runOnce"`

	// Runtime state, persisted so restarts resume cleanly.
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	NextScheduledMs   *int64 `json:"nextScheduledMs,omitempty"`
}

// SaveCronJob upserts a job by name.
func (s *Store) SaveCronJob(ctx context.Context, j *CronJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (name, id, expression, task, enabled, timeout_seconds,
		                        wake_mode, run_once, last_run_at_ms, last_status,
		                        consecutive_errors, next_scheduled_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			expression = excluded.expression, task = excluded.task,
			enabled = excluded.enabled, timeout_seconds = excluded.timeout_seconds,
			wake_mode = excluded.wake_mode, run_once = excluded.run_once,
			last_run_at_ms = excluded.last_run_at_ms, last_status = excluded.last_status,
			consecutive_errors = excluded.consecutive_errors,
			next_scheduled_ms = excluded.next_scheduled_ms`,
		j.Name, j.ID.String(), j.Expression, j.Task, j.Enabled, j.TimeoutSeconds,
		j.WakeMode, j.RunOnce, nullableInt(j.LastRunAtMs), j.LastStatus,
		j.ConsecutiveErrors, nullableInt(j.NextScheduledMs))
	if err != nil {
		return fmt.Errorf("save cron job: %w", err)
	}
	return nil
}

// DeleteCronJob removes a job by name.
func (s *Store) DeleteCronJob(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return nil
}

// LoadCronJobs returns every persisted job. RunningAtMs is never restored:
// a restart means nothing is running.
func (s *Store) LoadCronJobs(ctx context.Context) ([]*CronJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, id, expression, task, enabled, timeout_seconds, wake_mode,
		        run_once, last_run_at_ms, last_status, consecutive_errors, next_scheduled_ms
		 FROM cron_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*CronJob
	for rows.Next() {
		var j CronJob
		var id string
		var lastRun, nextSched sql.NullInt64
		var lastStatus sql.NullString
		if err := rows.Scan(&j.Name, &id, &j.Expression, &j.Task, &j.Enabled,
			&j.TimeoutSeconds, &j.WakeMode, &j.RunOnce, &lastRun, &lastStatus,
			&j.ConsecutiveErrors, &nextSched); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		j.ID, _ = uuid.Parse(id)
		if lastRun.Valid {
			v := lastRun.Int64
			j.LastRunAtMs = &v
		}
		if lastStatus.Valid {
			j.LastStatus = lastStatus.String
		}
		if nextSched.Valid {
			v := nextSched.Int64
			j.NextScheduledMs = &v
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func nullableInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
