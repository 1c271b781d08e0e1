// Package recording appends every captured block to a raw PCM dump.
package recording

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Sink writes headerless S16LE PCM in block order. Open truncates an
// existing file, so the dump holds exactly one run; a FileDevice replays it.
//
// The first write error disables the sink for the rest of the run and is
// logged once; capture and captioning continue.
type Sink struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	err     error
	written uint64
}

func Open(path string, logger *slog.Logger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", path, err)
	}
	logger = logger.With(slog.String("component", "recording"), slog.String("path", path))
	logger.Info("recording raw audio")
	return &Sink{path: path, logger: logger, file: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// WriteBlock appends data. It returns the sticky error once recording has
// failed.
func (s *Sink) WriteBlock(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.file == nil {
		return os.ErrClosed
	}
	if _, err := s.w.Write(data); err != nil {
		s.fail(err)
		return s.err
	}
	s.written += uint64(len(data))
	return nil
}

func (s *Sink) fail(err error) {
	s.err = fmt.Errorf("recording disabled: %w", err)
	s.logger.Error("recording write failed; recording disabled", slog.String("error", err.Error()))
}

// Err is the sticky write error, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Written is the number of bytes accepted so far.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Sink) Path() string { return s.path }

// Close flushes buffered data and closes the file. Safe to call twice.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var flushErr error
	if s.err == nil {
		if err := s.w.Flush(); err != nil {
			s.fail(err)
			flushErr = s.err
		}
	}
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
