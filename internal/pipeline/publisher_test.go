package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type memoryStore struct {
	mu       sync.Mutex
	captions []eventstore.Caption
}

func (s *memoryStore) AppendCaption(_ context.Context, c eventstore.Caption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions = append(s.captions, c)
	return nil
}

type subjectRecorder struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (r *subjectRecorder) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, v)
	return nil
}

func TestPublisherStoresAndBroadcasts(t *testing.T) {
	store := &memoryStore{}
	transcripts := &subjectRecorder{}
	sink := &fakeSink{}
	p := newTestPublisher(t, &fakeTranslator{}, sink, func(o *PublisherOptions) {
		o.Store = store
		o.Transcripts = transcripts
	})

	raw := "こんにちは　世界 です"
	if err := p.Publish(context.Background(), Utterance{Seq: 4, Text: raw, At: time.Now()}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	updates := sink.snapshot()
	if len(updates) != 1 || updates[0].Source != raw {
		t.Fatalf("unexpected updates %+v", updates)
	}
	if updates[0].Translated != "EN(こんにちは世界です)" {
		t.Fatalf("translator saw un-normalized text: %q", updates[0].Translated)
	}
	if updates[0].Text() != raw+"\nEN(こんにちは世界です)" {
		t.Fatalf("caption text = %q", updates[0].Text())
	}
	if len(store.captions) != 1 || store.captions[0].Seq != 4 || store.captions[0].RunID != "run-test" || store.captions[0].Source != raw {
		t.Fatalf("unexpected stored captions %+v", store.captions)
	}
	if len(transcripts.subjects) != 1 || transcripts.subjects[0] != protocol.SubjectTranscriptFinal {
		t.Fatalf("unexpected transcript subjects %v", transcripts.subjects)
	}
	msg, ok := transcripts.payloads[0].(protocol.Transcript)
	if !ok || msg.Text != raw || msg.Sequence != 4 || msg.Language != "ja" {
		t.Fatalf("unexpected transcript %+v", transcripts.payloads[0])
	}
}

func TestPublisherNormalizesTranslatorInputOnly(t *testing.T) {
	tr := &fakeTranslator{}
	sink := &fakeSink{}
	p := newTestPublisher(t, tr, sink, nil)

	if err := p.Publish(context.Background(), Utterance{Seq: 1, Text: "こんにちは 世界"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls := tr.snapshot(); len(calls) != 1 || calls[0] != "こんにちは世界" {
		t.Fatalf("translate input = %q, want [こんにちは世界]", calls)
	}
	if updates := sink.snapshot(); len(updates) != 1 || updates[0].Source != "こんにちは 世界" {
		t.Fatalf("caption source = %+v, want recognizer text", updates)
	}
}

func TestPublisherSkipsEmptyText(t *testing.T) {
	tr := &fakeTranslator{}
	sink := &fakeSink{}
	p := newTestPublisher(t, tr, sink, nil)

	if err := p.Publish(context.Background(), Utterance{Seq: 1, Text: " 　 "}); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("Publish = %v, want ErrEmptyUtterance", err)
	}
	if len(tr.snapshot()) != 0 || len(sink.snapshot()) != 0 {
		t.Fatal("blank utterance reached translator or sink")
	}
}

func TestPublisherFailureStages(t *testing.T) {
	store := &memoryStore{}

	tr := &fakeTranslator{err: errors.New("timeout")}
	p := newTestPublisher(t, tr, &fakeSink{}, func(o *PublisherOptions) { o.Store = store })
	err := p.Publish(context.Background(), Utterance{Seq: 1, Text: "a"})
	var perr *PublishError
	if !errors.As(err, &perr) || perr.Stage != StageTranslate || perr.Seq != 1 {
		t.Fatalf("translate failure = %v", err)
	}

	p = newTestPublisher(t, &fakeTranslator{}, &fakeSink{fail: failAlways}, func(o *PublisherOptions) { o.Store = store })
	err = p.Publish(context.Background(), Utterance{Seq: 2, Text: "b"})
	if !errors.As(err, &perr) || perr.Stage != StageSink || perr.Seq != 2 {
		t.Fatalf("sink failure = %v", err)
	}
	if len(store.captions) != 0 {
		t.Fatalf("failed publishes were stored: %+v", store.captions)
	}
}

func TestPublisherSerializesConcurrentCalls(t *testing.T) {
	sink := &fakeSink{delay: time.Millisecond}
	p := newTestPublisher(t, &fakeTranslator{}, sink, nil)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_ = p.Publish(context.Background(), Utterance{Seq: seq, Text: "x"})
		}(uint64(i))
	}
	wg.Wait()
	if n := len(sink.snapshot()); n != 8 {
		t.Fatalf("sink updates = %d, want 8", n)
	}
	if m := sink.maxInflight.Load(); m != 1 {
		t.Fatalf("max concurrent sink calls = %d, want 1", m)
	}
}

func TestPublisherSpanMarksFailure(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p := newTestPublisher(t, &fakeTranslator{}, &fakeSink{fail: failAlways}, func(o *PublisherOptions) {
		o.Tracer = tp.Tracer("test")
	})
	_ = p.Publish(context.Background(), Utterance{Seq: 1, Text: "a"})

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "caption.publish" || spans[0].Status.Code != codes.Error || spans[0].Status.Description != StageSink {
		t.Fatalf("unexpected span %s status %+v", spans[0].Name, spans[0].Status)
	}
}

type failingTap struct{ calls int }

func (f *failingTap) WriteBlock([]byte) error {
	f.calls++
	return errors.New("disk full")
}

func TestAssemblerCountsGapsAndResets(t *testing.T) {
	q := audio.NewQueue(8)
	for _, seq := range []uint64{0, 1, 4, 5, 6} {
		if err := q.Push(audio.Block{Seq: seq, Data: make([]byte, 4)}); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	q.Close()

	rec := stt.NewScripted(
		stt.Step{},
		stt.Step{Err: errors.New("decoder crashed")},
		stt.Step{Text: "first"},
		stt.Step{},
		stt.Step{Text: "second"},
	)
	tap := &failingTap{}
	a := NewAssembler(q, rec, nil, newLogger(), tap)

	var got []Utterance
	a.Run(context.Background(), func(_ context.Context, u Utterance) { got = append(got, u) })

	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("unexpected utterances %+v", got)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 || got[0].Block != 4 || got[1].Block != 6 {
		t.Fatalf("unexpected utterance numbering %+v", got)
	}
	st := a.Stats()
	if st.Blocks != 5 || st.Gaps != 2 || st.RecognizerErrors != 1 || st.Utterances != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if rec.Resets() != 1 {
		t.Fatalf("recognizer resets = %d, want 1", rec.Resets())
	}
	if tap.calls != 1 {
		t.Fatalf("failing tap called %d times, want 1", tap.calls)
	}
}

func TestStateOnlyMovesForward(t *testing.T) {
	var m stateMachine
	if m.load() != StateUninitialized {
		t.Fatalf("initial state = %s", m.load())
	}
	if !m.advance(StateRunning) || !m.advance(StateStopped) {
		t.Fatal("forward transitions rejected")
	}
	if m.advance(StateDraining) || m.advance(StateRunning) {
		t.Fatal("backward transition accepted")
	}
	if m.load() != StateStopped {
		t.Fatalf("state = %s, want stopped", m.load())
	}
}
