package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
)

// Result is the recognizer's answer to one Feed call. Final is set only when
// an utterance has been completed; Text is then its stable transcript.
type Result struct {
	Final bool
	Text  string
}

// StreamingRecognizer consumes PCM blocks in capture order and signals
// utterance boundaries. Implementations own their buffering and reset
// themselves after a finalization.
type StreamingRecognizer interface {
	Feed(ctx context.Context, pcm []byte) (Result, error)
	// Reset discards any partially assembled utterance.
	Reset()
}

// Transcriber turns one complete utterance of PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (string, error)
}

// New builds the recognizer selected by cfg.Mode for the given capture
// format. The returned close function releases backend resources.
func New(cfg config.STTConfig, format audio.Format, logger *slog.Logger) (StreamingRecognizer, func() error, error) {
	noop := func() error { return nil }
	logger = logger.With(slog.String("component", "stt"), slog.String("mode", cfg.Mode))

	var transcriber Transcriber
	closeFn := noop
	switch cfg.Mode {
	case "mock":
		return NewMock(cfg.MockEveryBlocks), noop, nil
	case "exec":
		t, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, nil, err
		}
		transcriber = t
	case "whisper":
		t, err := NewWhisperTranscriber(cfg.Endpoint, cfg.Language, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		transcriber = t
	case "native":
		t, err := NewNativeTranscriber(cfg.ModelPath, cfg.Language, logger)
		if err != nil {
			return nil, nil, err
		}
		transcriber = t
		closeFn = t.Close
	default:
		return nil, nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}

	seg := NewSegmenter(transcriber, format, SegmenterOptions{
		RMSThreshold: cfg.RMSThreshold,
		Silence:      time.Duration(cfg.SilenceThresholdMS) * time.Millisecond,
		MaxUtterance: time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
		CallTimeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
	})
	logger.Info("speech recognizer ready",
		slog.Float64("rms_threshold", cfg.RMSThreshold),
		slog.Int("silence_ms", cfg.SilenceThresholdMS),
		slog.Int("max_utterance_ms", cfg.MaxUtteranceMS))
	return seg, closeFn, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
