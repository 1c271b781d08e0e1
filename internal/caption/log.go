package caption

import (
	"context"
	"log/slog"
)

// LogSink writes captions to the structured log. Useful for dry runs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Connect(context.Context) error { return nil }

func (s *LogSink) Update(_ context.Context, u Update) error {
	s.logger.Info("caption",
		slog.Uint64("seq", u.Seq),
		slog.String("source", u.Source),
		slog.String("translated", u.Translated))
	return nil
}

func (s *LogSink) Disconnect() error { return nil }
