package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

// 100 ms blocks at 16 kHz mono.
var testFormat = audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 1600}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func failAlways(int) bool { return true }

func filledBlock(v byte) []byte {
	b := make([]byte, testFormat.BlockBytes())
	for i := range b {
		b[i] = v
	}
	return b
}

// fakeDevice delivers a fixed list of buffers and then ends, or, when live
// is set, keeps delivering silence until closed.
type fakeDevice struct {
	buffers [][]byte
	live    bool
	openErr error

	queue   *audio.Queue
	opened  atomic.Bool
	closed  atomic.Bool
	deliver atomic.Int64
}

func (d *fakeDevice) Name() string           { return "fake" }
func (d *fakeDevice) DefaultSampleRate() int { return 16000 }
func (d *fakeDevice) FlowControl(q *audio.Queue) {
	d.queue = q
}

func (d *fakeDevice) waitForSpace(stop <-chan struct{}) {
	for d.queue != nil && d.queue.Len() >= d.queue.Cap() && !d.queue.Closed() {
		select {
		case <-stop:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (d *fakeDevice) Open(_ context.Context, format audio.Format, cb audio.Callback) (audio.Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened.Store(true)
	s := &fakeStream{done: make(chan struct{}), stop: make(chan struct{}), device: d}
	go func() {
		defer close(s.done)
		for _, buf := range d.buffers {
			select {
			case <-s.stop:
				return
			default:
			}
			d.waitForSpace(s.stop)
			cb(buf, len(buf)/format.FrameBytes(), 0)
			d.deliver.Add(1)
		}
		if !d.live {
			return
		}
		silence := make([]byte, format.BlockBytes())
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				d.waitForSpace(s.stop)
				cb(silence, format.BlockSize, 0)
				d.deliver.Add(1)
			}
		}
	}()
	return s, nil
}

type fakeStream struct {
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once
	device *fakeDevice
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Err() error            { return nil }
func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.device.closed.Store(true)
	})
	<-s.done
	return nil
}

// fakeSink records updates and the maximum number of concurrent calls.
type fakeSink struct {
	mu           sync.Mutex
	updates      []caption.Update
	connectErr   error
	fail         func(call int) bool
	delay        time.Duration
	inflight     atomic.Int32
	maxInflight  atomic.Int32
	connected    atomic.Bool
	disconnected atomic.Bool
}

func (s *fakeSink) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected.Store(true)
	return nil
}

func (s *fakeSink) Update(_ context.Context, u caption.Update) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	if s.fail != nil && s.fail(len(s.updates)) {
		return errors.New("display unreachable")
	}
	return nil
}

func (s *fakeSink) Disconnect() error {
	s.disconnected.Store(true)
	return nil
}

func (s *fakeSink) snapshot() []caption.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]caption.Update(nil), s.updates...)
}

// fakeTranslator wraps the text so source and translation differ.
type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (t *fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, text)
	if t.err != nil {
		return "", t.err
	}
	return "EN(" + text + ")", nil
}

func (t *fakeTranslator) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func newTestPublisher(t *testing.T, tr translate.Translator, sink caption.Sink, extra func(*PublisherOptions)) *Publisher {
	t.Helper()
	norm, err := translate.NewNormalizer([]string{"strip_spaces"})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	opts := PublisherOptions{
		RunID:      "run-test",
		Normalizer: norm,
		Translator: tr,
		Sink:       sink,
		Languages:  translate.Languages{From: "ja", To: "en"},
		Lines:      2,
		Mode:       caption.ModeChatlog,
		Logger:     newLogger(),
	}
	if extra != nil {
		extra(&opts)
	}
	return NewPublisher(opts)
}

func runWithTimeout(t *testing.T, c *Controller, ctx context.Context) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
		return nil
	}
}
