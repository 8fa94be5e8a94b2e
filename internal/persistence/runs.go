package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/scheduler"
)

// RunRecord is a stored run summary.
type RunRecord struct {
	ID         string
	Success    bool
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
	TaskCount  int
	Tasks      []TaskRecord // Only populated by GetRun
}

// Duration returns the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TaskRecord is the stored final result of one task.
type TaskRecord struct {
	TaskID   string
	Name     string
	State    scheduler.TaskState
	Attempts int
	Duration time.Duration
	Error    string
	Value    string
}

// SaveSummary stores a finished run and its task results.
// Saving the same run again replaces the earlier copy.
func (s *SQLiteStore) SaveSummary(ctx context.Context, summary *orchestrator.Summary) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, success, cancelled, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success = excluded.success,
			cancelled = excluded.cancelled,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, summary.RunID(), summary.Success(), summary.Cancelled(),
		summary.StartedAt().UnixNano(), summary.FinishedAt().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	// Replace task results (simpler than diffing)
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_results WHERE run_id = ?", summary.RunID()); err != nil {
		return fmt.Errorf("failed to delete old task results: %w", err)
	}

	for i, res := range summary.Tasks() {
		var errText, value sql.NullString
		if res.Err != nil {
			errText = sql.NullString{String: res.Err.Error(), Valid: true}
		}
		if res.Value != nil {
			value = sql.NullString{String: fmt.Sprint(res.Value), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_results (run_id, task_id, position, name, state, attempts, duration, error, value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, summary.RunID(), res.ID, i, res.Name, res.State.String(), res.Attempts, int64(res.Duration), errText, value)
		if err != nil {
			return fmt.Errorf("failed to save result of task %q: %w", res.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run with its task results in registration order.
// Returns a wrapped sql.ErrNoRows if the run doesn't exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT r.id, r.success, r.cancelled, r.started_at, r.finished_at,
			(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id)
		FROM runs r
		WHERE r.id = ?
	`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q not found: %w", runID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, state, attempts, duration, error, value
		FROM task_results
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	run.Tasks = []TaskRecord{}
	for rows.Next() {
		var (
			rec      TaskRecord
			state    string
			duration int64
			errText  sql.NullString
			value    sql.NullString
		)
		if err := rows.Scan(&rec.TaskID, &rec.Name, &state, &rec.Attempts, &duration, &errText, &value); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		parsed, ok := scheduler.ParseTaskState(state)
		if !ok {
			return nil, fmt.Errorf("task %q has unknown state %q", rec.TaskID, state)
		}
		rec.State = parsed
		rec.Duration = time.Duration(duration)
		rec.Error = errText.String
		rec.Value = value.String
		run.Tasks = append(run.Tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs first, without task results.
// A limit of 0 or less returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.success, r.cancelled, r.started_at, r.finished_at,
			(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var started, finished int64
	if err := row.Scan(&run.ID, &run.Success, &run.Cancelled, &started, &finished, &run.TaskCount); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started)
	run.FinishedAt = time.Unix(0, finished)
	return &run, nil
}
