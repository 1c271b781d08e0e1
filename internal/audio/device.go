package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultSampleRate is used by devices that cannot report their own.
const DefaultSampleRate = 16000

const (
	closeTimeout = 2 * time.Second
	flowPoll     = 5 * time.Millisecond
)

// Callback receives one device buffer. It is invoked sequentially from the
// device goroutine and must return quickly.
type Callback func(buf []byte, frames int, status Status)

// Stream is an open device delivering callbacks.
type Stream interface {
	// Done is closed once the device stops delivering (Close, end of input or
	// failure).
	Done() <-chan struct{}
	// Err reports why delivery stopped; nil for Close or a clean end of input.
	Err() error
	// Close stops delivery and waits for the device goroutine to exit.
	Close() error
}

// Device opens a PCM source with a given format.
type Device interface {
	Name() string
	DefaultSampleRate() int
	Open(ctx context.Context, format Format, cb Callback) (Stream, error)
}

// FlowControlled is implemented by offline devices that can wait for queue
// space instead of delivering into a full queue.
type FlowControlled interface {
	FlowControl(q *Queue)
}

// readerStream pumps fixed-size blocks from an io.Reader into a Callback.
// It backs the exec and file devices.
type readerStream struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	err    error
	closer func() error
	// gate, when set, blocks before each callback until delivery may proceed.
	gate func(ctx context.Context)
}

func (s *readerStream) Done() <-chan struct{} { return s.done }

func (s *readerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *readerStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *readerStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.closer != nil {
			err = s.closer()
		}
	})
	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		// A read from stdin cannot be interrupted; leave the goroutine behind.
	}
	return err
}

// pump reads r until EOF, cancellation or error. When pace is positive each
// callback is released on a ticker so file input plays back in real time; a
// tick missed because the consumer of the callback ran late is reported as
// an overflow.
func pump(ctx context.Context, r io.Reader, format Format, pace time.Duration, cb Callback, s *readerStream) {
	buf := make([]byte, format.BlockBytes())
	frameBytes := format.FrameBytes()

	var ticker *time.Ticker
	if pace > 0 {
		ticker = time.NewTicker(pace)
		defer ticker.Stop()
	}
	var lastTick time.Time

	for {
		n, err := io.ReadFull(r, buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			var status Status
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if !lastTick.IsZero() && now.Sub(lastTick) > 2*pace {
						status |= StatusInputOverflow
					}
					lastTick = now
				}
			}
			if n < len(buf) {
				status |= StatusInputUnderflow
			}
			if s.gate != nil {
				s.gate(ctx)
			}
			cb(buf[:n], n/frameBytes, status)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return
		default:
			s.setErr(fmt.Errorf("read audio: %w", err))
			return
		}
	}
}

// waitForSpace returns a gate that holds delivery while q is full.
func waitForSpace(q *Queue) func(ctx context.Context) {
	return func(ctx context.Context) {
		for q.Len() >= q.Cap() && !q.Closed() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(flowPoll):
			}
		}
	}
}
