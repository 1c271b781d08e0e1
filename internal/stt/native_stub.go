//go:build !whisper

package stt

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNativeUnavailable is returned when the binary was built without the
// whisper build tag.
var ErrNativeUnavailable = errors.New("native whisper support not compiled in (build with -tags whisper)")

type NativeTranscriber struct{}

func NewNativeTranscriber(string, string, *slog.Logger) (*NativeTranscriber, error) {
	return nil, ErrNativeUnavailable
}

func (n *NativeTranscriber) Close() error { return nil }

func (n *NativeTranscriber) Transcribe(context.Context, []byte, int, int) (string, error) {
	return "", ErrNativeUnavailable
}
