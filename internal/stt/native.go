//go:build whisper

package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NativeTranscriber runs whisper.cpp in-process through the cgo bindings.
// Build with -tags whisper and libwhisper available to the linker.
type NativeTranscriber struct {
	model    whisperlib.Model
	language string
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewNativeTranscriber(modelPath, language string, logger *slog.Logger) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeTranscriber{model: model, language: language, logger: logger}, nil
}

func (n *NativeTranscriber) Close() error {
	if n.model != nil {
		return n.model.Close()
	}
	return nil
}

func (n *NativeTranscriber) Transcribe(ctx context.Context, pcm []byte, _ int, channels int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if n.language != "" {
		if err := wctx.SetLanguage(n.language); err != nil {
			n.logger.Warn("whisper: failed to set language", slog.String("language", n.language), slogError(err))
		}
	}
	if err := wctx.Process(toFloat32Mono(pcm, channels), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// toFloat32Mono averages interleaved channels into [-1, 1] samples.
func toFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
