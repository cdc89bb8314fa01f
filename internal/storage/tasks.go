package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hermit/internal/schedule"
)

// maxResultLen bounds the persisted last_result text.
const maxResultLen = 500

// CreateTask validates the schedule expression, computes the initial
// next_run relative to now, and persists a new active task. The returned id
// is the task's short identifier.
func (s *Store) CreateTask(ctx context.Context, group, cronExpr, prompt string, now time.Time) (Task, error) {
	spec, err := schedule.Parse(cronExpr)
	if err != nil {
		return Task{}, err
	}

	t := Task{
		ID:        uuid.NewString()[:8],
		GroupName: group,
		Cron:      cronExpr,
		Prompt:    prompt,
		Status:    StatusActive,
		CreatedAt: now,
	}
	if next, ok := schedule.NextRun(spec, now, false); ok {
		t.NextRun = next
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, group_name, cron, prompt, next_run, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.GroupName, t.Cron, t.Prompt, nullTime(t.NextRun), t.Status, fmtTime(t.CreatedAt),
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

const taskColumns = `id, group_name, cron, prompt, next_run, last_run, last_result, status, created_at`

// ListTasks returns every task, oldest first.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, rowid ASC`)
}

// RemoveTask deletes a task by id.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueTasks returns active tasks whose next_run is at or before now, in
// creation order (rowid breaks created_at ties) so scheduler behavior is
// reproducible.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY created_at ASC, rowid ASC`,
		StatusActive, fmtTime(now))
}

// RecordExecution updates a task after a run: last_run, truncated
// last_result, the recomputed next_run, and the derived status, all in one
// statement so the row can never hold a partial update. One-shots with no
// further firing become completed.
func (s *Store) RecordExecution(ctx context.Context, id, resultText, cronExpr string, executedAt time.Time) error {
	spec, err := schedule.Parse(cronExpr)
	if err != nil {
		return err
	}

	var nextRun time.Time
	status := StatusCompleted
	if next, ok := schedule.NextRun(spec, executedAt, true); ok {
		nextRun = next
		status = StatusActive
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_run = ?, last_result = ?, next_run = ?, status = ? WHERE id = ?`,
		fmtTime(executedAt), truncate(resultText, maxResultLen), nullTime(nextRun), status, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t                                     Task
			nextRun, lastRun, lastResult, created sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.GroupName, &t.Cron, &t.Prompt,
			&nextRun, &lastRun, &lastResult, &t.Status, &created); err != nil {
			return nil, err
		}
		t.NextRun = scanTime(nextRun)
		t.LastRun = scanTime(lastRun)
		if lastResult.Valid {
			t.LastResult = lastResult.String
		}
		t.CreatedAt = scanTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
