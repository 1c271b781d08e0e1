package caption

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// BusSink publishes captions on caption.update for any number of remote
// displays subscribed to the bus.
type BusSink struct {
	client *bus.Client
	logger *slog.Logger
	clock  func() time.Time
}

func NewBusSink(client *bus.Client, logger *slog.Logger) *BusSink {
	return &BusSink{client: client, logger: logger, clock: time.Now}
}

func (s *BusSink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.client.Healthy() {
		return fmt.Errorf("caption: bus not connected")
	}
	return nil
}

func (s *BusSink) Update(ctx context.Context, u Update) error {
	if !s.client.Healthy() {
		return ErrNotConnected
	}
	msg := protocol.CaptionUpdate{
		RunID:          u.RunID,
		Sequence:       u.Seq,
		Source:         u.Source,
		Translated:     u.Translated,
		SourceLanguage: u.SourceLanguage,
		TargetLanguage: u.TargetLanguage,
		Lines:          u.Lines,
		Mode:           string(u.Mode),
		Timestamp:      s.clock().UTC(),
	}
	if err := s.client.PublishJSON(protocol.SubjectCaptionUpdate, msg); err != nil {
		return fmt.Errorf("caption: publish: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return s.client.Conn().Flush()
	}
	return s.client.Conn().FlushWithContext(ctx)
}

func (s *BusSink) Disconnect() error { return nil }
