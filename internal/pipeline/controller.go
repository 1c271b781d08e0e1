package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"go.opentelemetry.io/otel/metric"
)

const defaultConnectTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("pipeline: controller already started")

// Recorder is the optional raw audio dump.
type Recorder interface {
	Tap
	Close() error
	Written() uint64
}

type Options struct {
	Device        audio.Device
	Format        audio.Format
	QueueCapacity int

	Recognizer stt.StreamingRecognizer
	Publisher  *Publisher
	Sink       caption.Sink
	Recorder   Recorder

	// FailureThreshold consecutive sink failures stop the pipeline; zero
	// never escalates.
	FailureThreshold int
	ConnectTimeout   time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// Controller owns one pipeline run: sink connection, the processing
// goroutine, the audio device and an orderly drain on shutdown.
type Controller struct {
	opts      Options
	logger    *slog.Logger
	queue     *audio.Queue
	capture   *audio.Capture
	assembler *Assembler

	state   stateMachine
	started atomic.Bool
	done    chan struct{}

	fatal       atomic.Bool
	fatalCh     chan struct{}
	fatalOnce   sync.Once
	fatalErr    error
	consecutive atomic.Int64
	failures    atomic.Uint64
	discarded   atomic.Uint64
	skipped     atomic.Uint64
	published   atomic.Uint64
}

func NewController(opts Options) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))

	q := audio.NewQueue(opts.QueueCapacity)
	capture := audio.NewCapture(q, opts.Format)
	c := &Controller{
		opts:    opts,
		logger:  logger,
		queue:   q,
		capture: capture,
		done:    make(chan struct{}),
		fatalCh: make(chan struct{}),
	}
	var taps []Tap
	if opts.Recorder != nil {
		taps = append(taps, opts.Recorder)
	}
	c.assembler = NewAssembler(q, opts.Recognizer, capture.Stats, logger, taps...)
	return c
}

// Run blocks until ctx is cancelled, the device reaches end of stream, or
// sink failures escalate. It always leaves the controller Stopped and
// returns the reason for an abnormal stop.
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer func() {
		c.state.advance(StateStopped)
		close(c.done)
		c.logger.Info("pipeline stopped", slog.Any("stats", c.Stats()))
	}()

	if c.opts.Metrics != nil {
		reg, err := c.opts.Metrics.observeCapture(c.capture.Stats)
		if err != nil {
			c.logger.Warn("failed to register capture metrics", slogError(err))
		} else {
			defer func(reg metric.Registration) { _ = reg.Unregister() }(reg)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	err = c.opts.Sink.Connect(connectCtx)
	cancel()
	if err != nil {
		c.closeRecorder()
		return fmt.Errorf("connect caption sink: %w", err)
	}

	// In-flight work finishes on its own timeouts; interrupt only stops intake.
	workCtx := context.WithoutCancel(ctx)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		c.assembler.Run(workCtx, c.handle)
	}()

	if fc, ok := c.opts.Device.(audio.FlowControlled); ok {
		fc.FlowControl(c.queue)
	}
	stream, err := c.opts.Device.Open(ctx, c.opts.Format, c.capture.OnBuffer)
	if err != nil {
		c.queue.Close()
		<-processed
		c.disconnect()
		c.closeRecorder()
		return fmt.Errorf("open audio device %s: %w", c.opts.Device.Name(), err)
	}

	c.state.advance(StateRunning)
	c.logger.Info("pipeline running",
		slog.String("device", c.opts.Device.Name()),
		slog.Int("sample_rate", c.opts.Format.SampleRate),
		slog.Int("channels", c.opts.Format.Channels),
		slog.Int("block_size", c.opts.Format.BlockSize),
		slog.Int("queue_capacity", c.queue.Cap()))

	var reason error
	select {
	case <-ctx.Done():
		c.logger.Info("interrupt received; draining")
	case <-c.fatalCh:
		reason = c.fatalErr
		c.logger.Error("caption sink failing; stopping", slogError(reason))
	case <-stream.Done():
		if serr := stream.Err(); serr != nil {
			reason = fmt.Errorf("audio device %s: %w", c.opts.Device.Name(), serr)
			c.logger.Error("audio device failed", slogError(serr))
		} else {
			c.logger.Info("audio input ended; draining")
		}
	}

	c.state.advance(StateDraining)
	c.queue.Close()
	if err := stream.Close(); err != nil {
		c.logger.Warn("audio device close failed", slogError(err))
	}
	<-processed

	c.disconnect()
	c.closeRecorder()
	if reason == nil && c.fatal.Load() {
		reason = c.fatalErr
	}
	return reason
}

// handle runs on the processing goroutine.
func (c *Controller) handle(ctx context.Context, u Utterance) {
	if c.fatal.Load() {
		c.discarded.Add(1)
		c.logger.Warn("discarding utterance after fatal sink failure", slog.Uint64("seq", u.Seq))
		return
	}
	err := c.opts.Publisher.Publish(ctx, u)
	if errors.Is(err, ErrEmptyUtterance) {
		c.skipped.Add(1)
		return
	}
	if err == nil {
		c.published.Add(1)
		c.consecutive.Store(0)
		return
	}

	c.failures.Add(1)
	var perr *PublishError
	if !errors.As(err, &perr) || perr.Stage != StageSink {
		c.logger.Warn("caption skipped", slogError(err))
		return
	}
	n := c.consecutive.Add(1)
	c.logger.Warn("caption update failed", slogError(err), slog.Int64("consecutive", n))
	if t := c.opts.FailureThreshold; t > 0 && n >= int64(t) {
		c.fatalOnce.Do(func() {
			c.fatalErr = fmt.Errorf("%w: %d consecutive failures: %v", ErrSinkUnavailable, n, perr.Err)
			c.fatal.Store(true)
			close(c.fatalCh)
		})
	}
}

func (c *Controller) disconnect() {
	if err := c.opts.Sink.Disconnect(); err != nil {
		c.logger.Warn("caption sink disconnect failed", slogError(err))
	}
}

func (c *Controller) closeRecorder() {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.Close(); err != nil {
		c.logger.Warn("recording close failed", slogError(err))
	}
}

func (c *Controller) State() State { return c.state.load() }

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Stats is a snapshot of the run's counters.
type Stats struct {
	State                   string         `json:"state"`
	Capture                 audio.Stats    `json:"capture"`
	Processing              AssemblerStats `json:"processing"`
	Published               uint64         `json:"published"`
	PublishFailures         uint64         `json:"publish_failures"`
	ConsecutiveSinkFailures int64          `json:"consecutive_sink_failures"`
	Discarded               uint64         `json:"discarded"`
	SkippedEmpty            uint64         `json:"skipped_empty"`
	RecordedBytes           uint64         `json:"recorded_bytes"`
}

func (c *Controller) Stats() Stats {
	st := Stats{
		State:                   c.State().String(),
		Capture:                 c.capture.Stats(),
		Processing:              c.assembler.Stats(),
		Published:               c.published.Load(),
		PublishFailures:         c.failures.Load(),
		ConsecutiveSinkFailures: c.consecutive.Load(),
		Discarded:               c.discarded.Load(),
		SkippedEmpty:            c.skipped.Load(),
	}
	if c.opts.Recorder != nil {
		st.RecordedBytes = c.opts.Recorder.Written()
	}
	return st
}
