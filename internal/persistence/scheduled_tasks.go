package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NeverAgainSentinel marks a "once" schedule that has already fired. It is
// chosen to sort after any real timestamp so a naive MIN/ORDER BY next_run
// query never mistakes it for a pending run.
const NeverAgainSentinel = "9999-01-01T00:00:00.000Z"

// ScheduledTask is a durable, restart-safe task lane entry for one group.
type ScheduledTask struct {
	ID             string
	GroupJid       string
	GroupFolder    string
	ChatJid        string
	ExtraChatJids  string
	Prompt         string
	ScheduleType   string // "cron" | "interval" | "once"
	ScheduleValue  string
	ContextMode    string
	Status         string // "active" | "paused"
	NextRun        *time.Time
	LastRun        *time.Time
	LastResult     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskRunLogEntry is one row of the task_run_log audit trail.
type TaskRunLogEntry struct {
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     string
	Result     string
	Error      string
}

func scanScheduledTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun sql.NullTime
	var lastResult sql.NullString
	if err := row.Scan(
		&t.ID, &t.GroupJid, &t.GroupFolder, &t.ChatJid, &t.ExtraChatJids, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status,
		&nextRun, &lastRun, &lastResult, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	t.LastResult = lastResult.String
	return &t, nil
}

const scheduledTaskColumns = `
	id, group_jid, group_folder, chat_jid, extra_chat_jids, prompt,
	schedule_type, schedule_value, context_mode, status,
	next_run, last_run, last_result, created_at, updated_at`

// CreateScheduledTask inserts a new scheduled task and returns its ID.
func (s *Store) CreateScheduledTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ContextMode == "" {
		t.ContextMode = "isolated"
	}
	if t.Status == "" {
		t.Status = "active"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (
				id, group_jid, group_folder, chat_jid, extra_chat_jids, prompt,
				schedule_type, schedule_value, context_mode, status,
				next_run, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, t.ID, t.GroupJid, t.GroupFolder, t.ChatJid, t.ExtraChatJids, t.Prompt,
			t.ScheduleType, t.ScheduleValue, t.ContextMode, t.Status, t.NextRun)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}
	return t.ID, nil
}

// GetScheduledTask fetches one scheduled task by ID.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// GetDueScheduledTasks returns active tasks whose next_run has arrived.
func (s *Store) GetDueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetAllScheduledTasks lists every scheduled task for a group, for the
// /status command and the tasks.json IPC snapshot.
func (s *Store) GetAllScheduledTasks(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+scheduledTaskColumns+`
		FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at ASC;
	`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateScheduledTaskNextRun advances next_run. The Task Scheduler calls
// this BEFORE invoking the container, so a crash mid-run never causes the
// same fire to repeat forever.
func (s *Store) UpdateScheduledTaskNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, nextRun, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance scheduled task next_run: %w", err)
	}
	return nil
}

// UpdateScheduledTaskStatus pauses or reactivates a scheduled task, e.g.
// when its group folder can no longer be resolved safely.
func (s *Store) UpdateScheduledTaskStatus(ctx context.Context, id, status string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update scheduled task status: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a scheduled task permanently. The task_run_log
// audit trail is left intact (it is pruned separately by retention, not
// cascaded on delete).
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

// UpdateTaskAfterRun records a run's outcome: last_run, truncated
// last_result, and the post-run next_run (nil for a "once" task that just
// fired).
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, ranAt time.Time, result string, nextRun *time.Time) error {
	const maxSummaryLen = 200
	if len(result) > maxSummaryLen {
		result = result[:maxSummaryLen]
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_run = ?, last_result = ?, next_run = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ranAt, result, nextRun, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// LogTaskRun appends an entry to the task_run_log audit trail.
func (s *Store) LogTaskRun(ctx context.Context, entry TaskRunLogEntry) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_run_log (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, entry.TaskID, entry.RunAt, entry.DurationMs, entry.Status, entry.Result, entry.Error)
		return err
	})
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

// GetTaskRunLog returns the most recent task_run_log rows for taskID, newest
// first, capped at limit.
func (s *Store) GetTaskRunLog(ctx context.Context, taskID string, limit int) ([]TaskRunLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_run_log WHERE task_id = ? ORDER BY run_at DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("get task run log: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLogEntry
	for rows.Next() {
		var e TaskRunLogEntry
		var result, errMsg sql.NullString
		if err := rows.Scan(&e.TaskID, &e.RunAt, &e.DurationMs, &e.Status, &result, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		e.Result = result.String
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecoverStuckScheduledTasks resets next_run to now for tasks that were
// advanced-but-never-ran across a restart: status active, never run, and
// next_run stuck in the far future (the "once" sentinel family or a
// next_run that predates the process crash).
func (s *Store) RecoverStuckScheduledTasks(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET next_run = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = 'active' AND last_run IS NULL AND next_run > '9990-01-01';
		`, now)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover stuck scheduled tasks: %w", err)
	}
	return affected, nil
}

// PruneTaskRunLog deletes run-log rows older than the retention window,
// mirroring RunRetention's per-category cutoff-delete pattern.
func (s *Store) PruneTaskRunLog(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_run_log WHERE run_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task_run_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
