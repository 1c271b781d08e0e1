package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/translate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	StageTranslate = "translate"
	StageSink      = "sink"
)

// ErrEmptyUtterance is returned by Publish when nothing is left to translate
// after normalization. No sink call is made.
var ErrEmptyUtterance = errors.New("pipeline: utterance empty after normalization")

// ErrSinkUnavailable is returned by Controller.Run when consecutive caption
// updates failed often enough to give up.
var ErrSinkUnavailable = errors.New("pipeline: caption sink unavailable")

// PublishError reports which step of a publish failed. It is never fatal on
// its own.
type PublishError struct {
	Stage string
	Seq   uint64
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish utterance %d: %s: %v", e.Seq, e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CaptionStore persists published captions.
type CaptionStore interface {
	AppendCaption(ctx context.Context, c eventstore.Caption) error
}

// TranscriptPublisher broadcasts finalized source text.
type TranscriptPublisher interface {
	PublishJSON(subject string, v any) error
}

type PublisherOptions struct {
	RunID      string
	Normalizer translate.Normalizer
	Translator translate.Translator
	Sink       caption.Sink
	Languages  translate.Languages
	Lines      int
	Mode       caption.Mode

	TranslateTimeout time.Duration
	SinkTimeout      time.Duration

	// Optional.
	Store       CaptionStore
	Transcripts TranscriptPublisher
	Metrics     *Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Publisher turns an utterance into one caption update: translate the
// normalized text, then a single sink call carrying the recognizer text as
// source. Calls are serialized.
type Publisher struct {
	opts   PublisherOptions
	tracer trace.Tracer
	logger *slog.Logger
	mu     sync.Mutex
}

func NewPublisher(opts PublisherOptions) *Publisher {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{opts: opts, tracer: tracer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, u Utterance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "caption.publish", trace.WithAttributes(
		attribute.Int64("utterance.seq", int64(u.Seq)),
		attribute.Int64("audio.block", int64(u.Block)),
	))
	defer span.End()

	normalized := p.opts.Normalizer.Apply(u.Text)
	if normalized == "" {
		p.logger.Debug("utterance empty after normalization", slog.Uint64("seq", u.Seq))
		return ErrEmptyUtterance
	}
	p.logger.Info("utterance finalized", slog.Uint64("seq", u.Seq), slog.String("text", u.Text))
	if p.opts.Metrics != nil {
		p.opts.Metrics.Utterances.Add(ctx, 1)
	}
	p.publishTranscript(u)

	translated, err := p.translate(ctx, normalized)
	if err != nil {
		return p.fail(ctx, span, StageTranslate, u, err)
	}

	update := caption.Update{
		RunID:          p.opts.RunID,
		Seq:            u.Seq,
		Source:         u.Text,
		Translated:     translated,
		SourceLanguage: p.opts.Languages.From,
		TargetLanguage: p.opts.Languages.To,
		Lines:          p.opts.Lines,
		Mode:           p.opts.Mode,
	}
	if err := p.update(ctx, update); err != nil {
		return p.fail(ctx, span, StageSink, u, err)
	}
	p.logger.Info("caption published", slog.Uint64("seq", u.Seq), slog.String("translated", translated))

	if p.opts.Store != nil {
		err := p.opts.Store.AppendCaption(ctx, eventstore.Caption{
			RunID:      p.opts.RunID,
			Seq:        u.Seq,
			Source:     u.Text,
			Translated: translated,
		})
		if err != nil {
			p.logger.Warn("failed to store caption", slogError(err), slog.Uint64("seq", u.Seq))
		}
	}
	return nil
}

func (p *Publisher) translate(ctx context.Context, text string) (string, error) {
	if p.opts.TranslateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TranslateTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := p.opts.Translator.Translate(ctx, text)
	p.record(ctx, func(m *Metrics) metric.Float64Histogram { return m.TranslateDuration }, start, err)
	return out, err
}

func (p *Publisher) update(ctx context.Context, u caption.Update) error {
	if p.opts.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SinkTimeout)
		defer cancel()
	}
	start := time.Now()
	err := p.opts.Sink.Update(ctx, u)
	p.record(ctx, func(m *Metrics) metric.Float64Histogram { return m.SinkDuration }, start, err)
	return err
}

func (p *Publisher) record(ctx context.Context, pick func(*Metrics) metric.Float64Histogram, start time.Time, err error) {
	if p.opts.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	pick(p.opts.Metrics).Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (p *Publisher) fail(ctx context.Context, span trace.Span, stage string, u Utterance, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	if p.opts.Metrics != nil {
		p.opts.Metrics.PublishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	return &PublishError{Stage: stage, Seq: u.Seq, Err: err}
}

func (p *Publisher) publishTranscript(u Utterance) {
	if p.opts.Transcripts == nil {
		return
	}
	msg := protocol.Transcript{
		SessionID: p.opts.RunID,
		Sequence:  u.Seq,
		Text:      u.Text,
		Language:  p.opts.Languages.From,
		Timestamp: u.At.UTC(),
	}
	if err := p.opts.Transcripts.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		p.logger.Warn("failed to publish transcript", slogError(err))
	}
}
