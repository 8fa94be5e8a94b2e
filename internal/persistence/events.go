package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskflow/internal/events"
)

// EventRecord is one stored event.
type EventRecord struct {
	ID        int64
	RunID     string
	TaskID    string
	Type      string
	Payload   map[string]any // Event fields, errors rendered as strings
	Timestamp time.Time
}

// EventQuery filters SearchEvents. Zero fields match everything.
type EventQuery struct {
	RunID  string
	TaskID string
	Type   string
	Since  time.Time // Inclusive lower bound on the event timestamp
	Limit  int
}

// Emit appends the event to the log. Failures are logged, not returned,
// so a broken database never stalls a run.
func (s *SQLiteStore) Emit(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := s.appendEvent(ctx, event); err != nil {
		s.logger.Error("failed to store event",
			"run_id", event.RunID(),
			"type", event.EventType(),
			"error", err)
	}
}

func (s *SQLiteStore) appendEvent(ctx context.Context, event events.Event) error {
	payload, ts := eventPayload(event)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, task_id, type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, event.RunID(), event.TaskID(), event.EventType(), string(data), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SearchEvents returns the events matching q in chronological order.
// Returns empty slice (not nil) if nothing matches.
func (s *SQLiteStore) SearchEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := "SELECT id, run_id, task_id, type, payload, timestamp FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Double sort: timestamp ASC, id ASC keeps insertion order for equal timestamps
	query += " ORDER BY timestamp ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var (
			rec     EventRecord
			payload string
			ts      int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TaskID, &rec.Type, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", rec.ID, err)
		}
		rec.Timestamp = time.Unix(0, ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return records, nil
}

// eventPayload flattens an event into JSON-friendly fields and extracts its
// timestamp.
func eventPayload(event events.Event) (map[string]any, time.Time) {
	switch e := event.(type) {
	case events.TaskStartedEvent:
		return map[string]any{"name": e.Name}, e.Timestamp
	case events.TaskRetryingEvent:
		return map[string]any{
			"attempt":      e.Attempt,
			"max_attempts": e.MaxAttempts,
			"error":        errString(e.Err),
			"delay":        e.Delay.String(),
		}, e.Timestamp
	case events.TaskSucceededEvent:
		return map[string]any{
			"value":    fmt.Sprint(e.Value),
			"attempts": e.Attempts,
			"duration": e.Duration.String(),
		}, e.Timestamp
	case events.TaskFailedEvent:
		return map[string]any{
			"error":     errString(e.Err),
			"timed_out": e.TimedOut,
			"attempts":  e.Attempts,
			"duration":  e.Duration.String(),
		}, e.Timestamp
	case events.TaskBlockedEvent:
		return map[string]any{"blocked_by": e.BlockedBy}, e.Timestamp
	case events.TaskCancelledEvent:
		return map[string]any{}, e.Timestamp
	case events.RunFinishedEvent:
		return map[string]any{
			"success":   e.Success,
			"cancelled": e.Cancelled,
			"duration":  e.Duration.String(),
			"counts":    e.Counts,
		}, e.Timestamp
	case events.DAGProgressEvent:
		return map[string]any{
			"total":     e.Total,
			"succeeded": e.Succeeded,
			"running":   e.Running,
			"failed":    e.Failed,
			"blocked":   e.Blocked,
			"cancelled": e.Cancelled,
			"pending":   e.Pending,
		}, e.Timestamp
	default:
		return map[string]any{}, time.Now()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
