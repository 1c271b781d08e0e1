package recording

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSinkConcatenatesBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	s, err := Open(path, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var want []byte
	for i := 0; i < 5; i++ {
		block := bytes.Repeat([]byte{byte(i + 1)}, 8000)
		want = append(want, block...)
		if err := s.WriteBlock(block); err != nil {
			t.Fatalf("write block %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("file has %d bytes, want %d in block order", len(got), len(want))
	}
	if s.Written() != uint64(len(want)) {
		t.Fatalf("written=%d want %d", s.Written(), len(want))
	}
}

func TestSinkOverwritesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	if err := os.WriteFile(path, []byte("previous run"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	s, err := Open(path, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.WriteBlock([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("expected only this run's bytes, got %q", got)
	}
}

func TestSinkWriteAfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "out.raw"), newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if err := s.WriteBlock([]byte{1}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected os.ErrClosed, got %v", err)
	}
}

func TestOpenFailure(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "out.raw"), newLogger()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
