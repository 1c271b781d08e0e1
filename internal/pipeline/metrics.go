package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-captions/internal/pipeline"

// Metrics holds the pipeline instruments.
type Metrics struct {
	Utterances      metric.Int64Counter
	PublishFailures metric.Int64Counter

	TranslateDuration metric.Float64Histogram
	SinkDuration      metric.Float64Histogram

	meter metric.Meter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.Utterances, err = m.Int64Counter("loqa.captions.utterances",
		metric.WithDescription("Utterances finalized by the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.PublishFailures, err = m.Int64Counter("loqa.captions.publish.failures",
		metric.WithDescription("Failed caption publishes by stage."),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("loqa.captions.translate.duration",
		metric.WithDescription("Latency of translation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SinkDuration, err = m.Float64Histogram("loqa.captions.sink.duration",
		metric.WithDescription("Latency of caption display updates."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// observeCapture exports capture counters and queue depth read from stats on
// each collection.
func (met *Metrics) observeCapture(stats func() audio.Stats) (metric.Registration, error) {
	m := met.meter
	captured, err := m.Int64ObservableCounter("loqa.captions.audio.blocks.captured",
		metric.WithDescription("Blocks delivered by the audio device."))
	if err != nil {
		return nil, err
	}
	dropped, err := m.Int64ObservableCounter("loqa.captions.audio.blocks.dropped",
		metric.WithDescription("Blocks dropped because the handoff queue was full."))
	if err != nil {
		return nil, err
	}
	overflows, err := m.Int64ObservableCounter("loqa.captions.audio.overflows",
		metric.WithDescription("Device input overflow events."))
	if err != nil {
		return nil, err
	}
	underflows, err := m.Int64ObservableCounter("loqa.captions.audio.underflows",
		metric.WithDescription("Device input underflow events."))
	if err != nil {
		return nil, err
	}
	depth, err := m.Int64ObservableGauge("loqa.captions.queue.depth",
		metric.WithDescription("Blocks waiting in the handoff queue."))
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := stats()
		o.ObserveInt64(captured, int64(st.Captured))
		o.ObserveInt64(dropped, int64(st.Dropped))
		o.ObserveInt64(overflows, int64(st.Overflows))
		o.ObserveInt64(underflows, int64(st.Underflows))
		o.ObserveInt64(depth, int64(st.Queued))
		return nil
	}, captured, dropped, overflows, underflows, depth)
}
