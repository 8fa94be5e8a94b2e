package events

import (
	"context"
	"log/slog"
)

// MultiSink fans every event out to each of its sinks in order.
type MultiSink []Sink

// Emit forwards the event to every non-nil sink.
func (m MultiSink) Emit(event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// LogSink writes one structured log record per event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at a level matching its severity.
func (s *LogSink) Emit(event Event) {
	attrs := []any{slog.String("run", event.RunID())}
	if id := event.TaskID(); id != "" {
		attrs = append(attrs, slog.String("task", id))
	}

	switch e := event.(type) {
	case TaskStartedEvent:
		s.logger.Info("task started", append(attrs, slog.String("name", e.Name))...)
	case TaskRetryingEvent:
		s.logger.Warn("task attempt failed, retrying", append(attrs,
			slog.Int("attempt", e.Attempt),
			slog.Int("max_attempts", e.MaxAttempts),
			slog.Duration("delay", e.Delay),
			slog.Any("error", e.Err))...)
	case TaskSucceededEvent:
		s.logger.Info("task succeeded", append(attrs,
			slog.Int("attempts", e.Attempts),
			slog.Duration("duration", e.Duration))...)
	case TaskFailedEvent:
		s.logger.Error("task failed", append(attrs,
			slog.Bool("timed_out", e.TimedOut),
			slog.Int("attempts", e.Attempts),
			slog.Duration("duration", e.Duration),
			slog.Any("error", e.Err))...)
	case TaskBlockedEvent:
		s.logger.Warn("task blocked", append(attrs, slog.String("blocked_by", e.BlockedBy))...)
	case TaskCancelledEvent:
		s.logger.Warn("task cancelled", attrs...)
	case RunFinishedEvent:
		level := slog.LevelInfo
		if !e.Success {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "run finished", append(attrs,
			slog.Bool("success", e.Success),
			slog.Bool("cancelled", e.Cancelled),
			slog.Duration("duration", e.Duration),
			slog.Any("counts", e.Counts))...)
	case DAGProgressEvent:
		s.logger.Debug("progress", append(attrs,
			slog.Int("done", e.Done()),
			slog.Int("total", e.Total),
			slog.Int("running", e.Running))...)
	default:
		s.logger.Debug("event", append(attrs, slog.String("type", event.EventType()))...)
	}
}
