package stt

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
)

const (
	defaultRMSThreshold = 300.0
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
)

type SegmenterOptions struct {
	// RMSThreshold separates speech from silence, in 16-bit sample units.
	RMSThreshold float64
	// Silence after speech that closes an utterance.
	Silence time.Duration
	// MaxUtterance forces a finalization for long monologues.
	MaxUtterance time.Duration
	// CallTimeout bounds each Transcribe call; zero means no extra bound.
	CallTimeout time.Duration
}

// Segmenter is an energy-based StreamingRecognizer. It buffers speech until
// enough trailing silence (or the maximum length) is seen, then hands the
// whole utterance to a batch Transcriber.
type Segmenter struct {
	transcriber Transcriber
	format      audio.Format
	opts        SegmenterOptions

	buffer    []byte
	hadSpeech bool
	silence   time.Duration
}

func NewSegmenter(t Transcriber, format audio.Format, opts SegmenterOptions) *Segmenter {
	if opts.RMSThreshold <= 0 {
		opts.RMSThreshold = defaultRMSThreshold
	}
	if opts.Silence <= 0 {
		opts.Silence = defaultSilence
	}
	if opts.MaxUtterance <= 0 {
		opts.MaxUtterance = defaultMaxUtterance
	}
	return &Segmenter{transcriber: t, format: format, opts: opts}
}

// Feed copies pcm into the utterance buffer; the caller may reuse it.
func (s *Segmenter) Feed(ctx context.Context, pcm []byte) (Result, error) {
	dur := s.duration(len(pcm))
	if computeRMS(pcm) < s.opts.RMSThreshold {
		if !s.hadSpeech {
			return Result{}, nil
		}
		s.silence += dur
		s.buffer = append(s.buffer, pcm...)
		if s.silence >= s.opts.Silence {
			return s.flush(ctx)
		}
		return Result{}, nil
	}

	s.hadSpeech = true
	s.silence = 0
	s.buffer = append(s.buffer, pcm...)
	if s.duration(len(s.buffer)) >= s.opts.MaxUtterance {
		return s.flush(ctx)
	}
	return Result{}, nil
}

func (s *Segmenter) Reset() {
	s.buffer = s.buffer[:0]
	s.hadSpeech = false
	s.silence = 0
}

// Buffered is the duration of audio held for the current utterance.
func (s *Segmenter) Buffered() time.Duration { return s.duration(len(s.buffer)) }

func (s *Segmenter) flush(ctx context.Context) (Result, error) {
	pcm := s.buffer
	defer s.Reset()

	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}
	text, err := s.transcriber.Transcribe(ctx, pcm, s.format.SampleRate, s.format.Channels)
	if err != nil {
		return Result{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, nil
	}
	return Result{Final: true, Text: text}, nil
}

func (s *Segmenter) duration(n int) time.Duration {
	perSecond := s.format.SampleRate * s.format.FrameBytes()
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(perSecond)
}

// computeRMS returns the root-mean-square of 16-bit little-endian PCM.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
