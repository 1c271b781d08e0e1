package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/recording"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/translate"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	runID      string
	store      *eventstore.Store
	controller *pipeline.Controller
	addr       chan net.Addr
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
		addr:   make(chan net.Addr, 1),
	}
}

// Start builds the pipeline from config, serves HTTP and runs the pipeline
// until ctx is cancelled or the pipeline stops on its own.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	var busClient *bus.Client
	if r.cfg.NeedsBus() {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			r.cfg.Bus.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, r.cfg.RuntimeName, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open caption store: %w", err)
	}
	defer store.Close()
	if err := store.Ensure(); err != nil {
		return fmt.Errorf("caption store unusable: %w", err)
	}
	r.store = store

	device, err := newDevice(r.cfg.Audio, busClient, r.logger)
	if err != nil {
		return err
	}
	format := audio.Format{
		SampleRate: r.cfg.Audio.SampleRate,
		Channels:   r.cfg.Audio.Channels,
		BlockSize:  r.cfg.Audio.BlockSize,
	}
	if format.SampleRate == 0 {
		format.SampleRate = device.DefaultSampleRate()
		r.logger.Info("using device default sample rate", slog.Int("sample_rate", format.SampleRate))
	}

	recognizer, closeRecognizer, err := stt.New(r.cfg.STT, format, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	defer func() {
		if err := closeRecognizer(); err != nil {
			r.logger.Warn("recognizer close failed", slogError(err))
		}
	}()

	translator, err := translate.New(r.cfg.Translate, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create translator: %w", err)
	}
	normalizer, err := translate.NewNormalizer(r.cfg.Translate.Normalize)
	if err != nil {
		return err
	}
	sink, err := caption.New(r.cfg.Caption, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create caption sink: %w", err)
	}
	metrics, err := pipeline.NewMetrics(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	pubOpts := pipeline.PublisherOptions{
		RunID:            r.runID,
		Normalizer:       normalizer,
		Translator:       translator,
		Sink:             sink,
		Languages:        translate.Languages{From: r.cfg.Translate.From, To: r.cfg.Translate.To},
		Lines:            r.cfg.Caption.Lines,
		Mode:             caption.Mode(r.cfg.Caption.Mode),
		TranslateTimeout: millis(r.cfg.Translate.TimeoutMS),
		SinkTimeout:      millis(r.cfg.Caption.TimeoutMS),
		Store:            store,
		Metrics:          metrics,
		Tracer:           tel.tracer,
		Logger:           r.logger.With(slog.String("component", "publisher")),
	}
	if r.cfg.Bus.PublishTranscripts && busClient != nil {
		pubOpts.Transcripts = busClient
	}

	opts := pipeline.Options{
		Device:           device,
		Format:           format,
		QueueCapacity:    r.cfg.Queue.Capacity,
		Recognizer:       recognizer,
		Publisher:        pipeline.NewPublisher(pubOpts),
		Sink:             sink,
		FailureThreshold: r.cfg.Caption.FailureThreshold,
		ConnectTimeout:   millis(r.cfg.Caption.TimeoutMS),
		Metrics:          metrics,
		Logger:           r.logger,
	}
	// The recorder truncates its file, so it opens only once the port is bound.
	ln, err := r.listen()
	if err != nil {
		return err
	}
	if path := r.cfg.Audio.OutputPath; path != "" {
		recorder, err := recording.Open(path, r.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		opts.Recorder = recorder
	}
	r.controller = pipeline.NewController(opts)

	if err := store.BeginRun(ctx, eventstore.Run{
		ID:             r.runID,
		Device:         device.Name(),
		SourceLanguage: r.cfg.Translate.From,
		TargetLanguage: r.cfg.Translate.To,
	}); err != nil {
		r.logger.Warn("failed to record run start", slogError(err))
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.EndRun(endCtx, r.runID); err != nil {
			r.logger.Warn("failed to record run end", slogError(err))
		}
	}()

	return r.serve(ctx, ln, tel.metrics)
}

func (r *Runtime) listen() (net.Listener, error) {
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func (r *Runtime) serve(ctx context.Context, ln net.Listener, metrics http.Handler) error {
	r.addr <- ln.Addr()

	server := &http.Server{
		Handler:           r.routes(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()), slog.String("run_id", r.runID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slogError(err))
			}
		}()
		return r.controller.Run(gctx)
	})
	return g.Wait()
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (r *Runtime) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-r.addr:
		r.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/stats", r.handleStats)
	mux.HandleFunc("/captions", r.handleCaptions)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.controller != nil && r.controller.State() == pipeline.StateRunning {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statsResponse struct {
	RunID string `json:"run_id"`
	pipeline.Stats
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		http.Error(w, "pipeline not built", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statsResponse{RunID: r.runID, Stats: r.controller.Stats()})
}

// handleCaptions lists stored captions of the current run. ?run=all lists
// every run, ?run=<id> another run, ?limit=N caps the result.
func (r *Runtime) handleCaptions(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	runID := r.runID
	if v := q.Get("run"); v == "all" {
		runID = ""
	} else if v != "" {
		runID = v
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	captions, err := r.store.ListCaptions(req.Context(), runID, limit)
	if err != nil {
		r.logger.Warn("failed to list captions", slogError(err))
		http.Error(w, "failed to list captions", http.StatusInternalServerError)
		return
	}
	if captions == nil {
		captions = []eventstore.Caption{}
	}
	writeJSON(w, captions)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newDevice(cfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) (audio.Device, error) {
	switch cfg.Source {
	case "exec":
		dev, err := audio.NewExecDevice(cfg.Command, cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("failed to create exec audio device: %w", err)
		}
		return dev, nil
	case "file":
		return audio.NewFileDevice(cfg.InputPath, cfg.Realtime), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus audio device requires a bus connection")
		}
		return audio.NewBusDevice(busClient, cfg.Session, logger), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
