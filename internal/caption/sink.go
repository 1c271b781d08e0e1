// Package caption delivers translated utterances to a remote display.
package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
)

// ErrNotConnected is returned by Update before Connect or after the
// connection has been lost.
var ErrNotConnected = errors.New("caption: sink not connected")

// Mode selects how the display treats a new update.
type Mode string

const (
	// ModeChatlog appends the update and keeps the last Lines lines.
	ModeChatlog Mode = "chatlog"
	// ModeReplace overwrites the display with the update.
	ModeReplace Mode = "replace"
)

// Update is one caption: the recognized source text and its translation.
type Update struct {
	RunID          string
	Seq            uint64
	Source         string
	Translated     string
	SourceLanguage string
	TargetLanguage string
	Lines          int
	Mode           Mode
}

// Text is the rendered caption body, source above translation.
func (u Update) Text() string {
	return u.Source + "\n" + u.Translated
}

// Sink is a caption display. Update calls are never issued concurrently.
type Sink interface {
	Connect(ctx context.Context) error
	Update(ctx context.Context, u Update) error
	Disconnect() error
}

// New builds the sink selected by cfg.Sink. busClient is only used by the
// bus sink and may be nil otherwise.
func New(cfg config.CaptionConfig, busClient *bus.Client, logger *slog.Logger) (Sink, error) {
	logger = logger.With(slog.String("component", "caption"), slog.String("sink", cfg.Sink))
	switch cfg.Sink {
	case "obs":
		return NewOBSSink(OBSOptions{
			URL:      "ws://" + cfg.Host + ":" + strconv.Itoa(cfg.Port),
			Password: cfg.Password,
			Source:   cfg.Source,
		}, logger), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("caption: bus sink requires a bus connection")
		}
		return NewBusSink(busClient, logger), nil
	case "log":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown caption sink %q", cfg.Sink)
	}
}
