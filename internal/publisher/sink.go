package publisher

import (
	"context"
	"log/slog"

	"booru_mirror/internal/domain"
)

// Sink receives sync events.
type Sink interface {
	Emit(ctx context.Context, event domain.Event)
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event domain.Event) {
	level := slog.LevelInfo
	if event.Type == domain.EventError {
		level = slog.LevelWarn
	}

	attrs := []any{"type", event.Type}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	if event.SourceID != 0 {
		attrs = append(attrs, "source_id", event.SourceID)
	}
	s.logger.Log(ctx, level, "sync event", attrs...)
}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event domain.Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}
