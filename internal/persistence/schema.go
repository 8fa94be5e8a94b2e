package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Times are stored as Unix nanoseconds and durations as nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		success INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS task_results (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		error TEXT,
		value TEXT,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run_timestamp ON events(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
