package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/stt"
)

// Tap receives every block in order before recognition. The recording sink
// is the only tap today.
type Tap interface {
	WriteBlock(data []byte) error
}

type tapState struct {
	tap      Tap
	disabled bool
}

// Assembler is the processing loop: it pops blocks, feeds taps and the
// recognizer, and hands finalized utterances to a handler synchronously.
type Assembler struct {
	queue      *audio.Queue
	recognizer stt.StreamingRecognizer
	taps       []*tapState
	status     func() audio.Stats
	logger     *slog.Logger
	clock      func() time.Time

	utterances   uint64
	lastBlock    uint64
	seenBlock    bool
	lastOverflow uint64
	lastUnder    uint64

	blocks    atomic.Uint64
	gaps      atomic.Uint64
	recErrors atomic.Uint64
	emitted   atomic.Uint64
}

// NewAssembler reads from q. status, when non-nil, is polled to log new
// device status events from the processing goroutine.
func NewAssembler(q *audio.Queue, rec stt.StreamingRecognizer, status func() audio.Stats, logger *slog.Logger, taps ...Tap) *Assembler {
	a := &Assembler{
		queue:      q,
		recognizer: rec,
		status:     status,
		logger:     logger,
		clock:      time.Now,
	}
	for _, t := range taps {
		a.taps = append(a.taps, &tapState{tap: t})
	}
	return a
}

// Run processes blocks until the queue is closed and drained. A partially
// assembled utterance at end of stream is discarded.
func (a *Assembler) Run(ctx context.Context, handle func(context.Context, Utterance)) {
	for {
		block, ok := a.queue.Pop()
		if !ok {
			return
		}
		a.process(ctx, block, handle)
	}
}

func (a *Assembler) process(ctx context.Context, block audio.Block, handle func(context.Context, Utterance)) {
	a.blocks.Add(1)
	if a.seenBlock && block.Seq > a.lastBlock+1 {
		missing := block.Seq - a.lastBlock - 1
		a.gaps.Add(missing)
		a.logger.Warn("audio blocks dropped", slog.Uint64("missing", missing), slog.Uint64("seq", block.Seq))
	}
	a.seenBlock = true
	a.lastBlock = block.Seq
	a.logStatus()

	for _, ts := range a.taps {
		if ts.disabled {
			continue
		}
		if err := ts.tap.WriteBlock(block.Data); err != nil {
			ts.disabled = true
			a.logger.Error("tap failed; disabled for the rest of the run", slogError(err))
		}
	}

	res, err := a.recognizer.Feed(ctx, block.Data)
	if err != nil {
		a.recErrors.Add(1)
		a.logger.Warn("recognizer error; utterance discarded", slogError(err), slog.Uint64("seq", block.Seq))
		a.recognizer.Reset()
		return
	}
	if !res.Final || res.Text == "" {
		return
	}

	a.utterances++
	a.emitted.Add(1)
	handle(ctx, Utterance{Seq: a.utterances, Text: res.Text, Block: block.Seq, At: a.clock()})
}

func (a *Assembler) logStatus() {
	if a.status == nil {
		return
	}
	st := a.status()
	if st.Overflows > a.lastOverflow {
		a.logger.Warn("audio input overflow", slog.Uint64("events", st.Overflows-a.lastOverflow), slog.Uint64("total", st.Overflows))
		a.lastOverflow = st.Overflows
	}
	if st.Underflows > a.lastUnder {
		a.logger.Warn("audio input underflow", slog.Uint64("events", st.Underflows-a.lastUnder), slog.Uint64("total", st.Underflows))
		a.lastUnder = st.Underflows
	}
}

// AssemblerStats is safe to read from any goroutine.
type AssemblerStats struct {
	Blocks           uint64 `json:"blocks"`
	Gaps             uint64 `json:"gaps"`
	RecognizerErrors uint64 `json:"recognizer_errors"`
	Utterances       uint64 `json:"utterances"`
}

func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{
		Blocks:           a.blocks.Load(),
		Gaps:             a.gaps.Load(),
		RecognizerErrors: a.recErrors.Load(),
		Utterances:       a.emitted.Load(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
