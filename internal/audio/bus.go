package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice captures PCM published by edge devices as protocol.AudioFrame
// messages on audio.frame.<session>. Frames of any size are re-cut into
// fixed blocks. A jump in the frame sequence marks the block that contains
// the gap with StatusInputUnderflow.
type BusDevice struct {
	client  *bus.Client
	session string
	logger  *slog.Logger
}

func NewBusDevice(client *bus.Client, session string, logger *slog.Logger) *BusDevice {
	return &BusDevice{
		client:  client,
		session: session,
		logger:  logger.With(slog.String("component", "bus-audio")),
	}
}

func (d *BusDevice) Name() string { return "bus:" + protocol.AudioFrameSubject(d.session) }

func (d *BusDevice) DefaultSampleRate() int { return DefaultSampleRate }

func (d *BusDevice) Open(_ context.Context, format Format, cb Callback) (Stream, error) {
	f := &framer{
		format:  format,
		pending: make([]byte, 0, format.BlockBytes()),
		cb:      cb,
		logger:  d.logger,
		lastSeq: -1,
	}
	sub, err := d.client.Conn().Subscribe(protocol.AudioFrameSubject(d.session), f.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	return &busStream{sub: sub, done: make(chan struct{})}, nil
}

// framer runs on the subscription's delivery goroutine only.
type framer struct {
	format   Format
	pending  []byte
	status   Status
	cb       Callback
	logger   *slog.Logger
	lastSeq  int
	warnedSR bool
}

func (f *framer) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		f.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != f.format.SampleRate && !f.warnedSR {
		f.warnedSR = true
		f.logger.Warn("audio frame sample rate mismatch",
			slog.Int("frame_rate", frame.SampleRate),
			slog.Int("capture_rate", f.format.SampleRate))
	}
	if f.lastSeq >= 0 && frame.Sequence > f.lastSeq+1 {
		f.status |= StatusInputUnderflow
	}
	if frame.Sequence > f.lastSeq {
		f.lastSeq = frame.Sequence
	}
	f.write(frame.PCM)
}

func (f *framer) write(pcm []byte) {
	blockBytes := f.format.BlockBytes()
	for len(pcm) > 0 {
		n := min(blockBytes-len(f.pending), len(pcm))
		f.pending = append(f.pending, pcm[:n]...)
		pcm = pcm[n:]
		if len(f.pending) == blockBytes {
			f.cb(f.pending, f.format.BlockSize, f.status)
			f.pending = f.pending[:0]
			f.status = 0
		}
	}
}

type busStream struct {
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (s *busStream) Done() <-chan struct{} { return s.done }

func (s *busStream) Err() error { return nil }

func (s *busStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
