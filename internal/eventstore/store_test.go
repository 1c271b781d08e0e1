package eventstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatal("ephemeral store should not persist")
	}
	if err := es.AppendCaption(ctx, Caption{RunID: "r", Source: "x"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	captions, err := es.ListCaptions(ctx, "", 10)
	if err != nil || len(captions) != 0 {
		t.Fatalf("expected no captions, got %v, %v", captions, err)
	}
}

func TestAppendAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "captions.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.BeginRun(ctx, Run{ID: "run-1", Device: "file:test.raw", SourceLanguage: "ja", TargetLanguage: "en"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for i := 1; i <= 5; i++ {
		c := Caption{RunID: "run-1", Seq: uint64(i), Source: fmt.Sprintf("src-%d", i), Translated: fmt.Sprintf("dst-%d", i)}
		if err := es.AppendCaption(ctx, c); err != nil {
			t.Fatalf("append caption: %v", err)
		}
	}
	if err := es.EndRun(ctx, "run-1"); err != nil {
		t.Fatalf("end run: %v", err)
	}

	captions, err := es.ListCaptions(ctx, "run-1", 3)
	if err != nil {
		t.Fatalf("list captions: %v", err)
	}
	if len(captions) != 3 {
		t.Fatalf("expected 3 captions, got %d", len(captions))
	}
	if captions[0].Seq != 3 || captions[2].Seq != 5 || captions[2].Translated != "dst-5" {
		t.Fatalf("expected newest captions in sequence order, got %+v", captions)
	}
	if captions[0].CreatedAt.IsZero() {
		t.Fatal("created_at not decoded")
	}

	other, err := es.ListCaptions(ctx, "run-2", 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no captions for unknown run, got %v, %v", other, err)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "captions.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(context.Background(), Run{ID: "old-run"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendCaption(context.Background(), Caption{RunID: "old-run", Seq: 1, Source: "a"}); err != nil {
		t.Fatalf("append caption: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(context.Background(), Run{ID: "new-run"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	captions, err := es.ListCaptions(context.Background(), "old-run", 10)
	if err != nil {
		t.Fatalf("list captions: %v", err)
	}
	if len(captions) != 0 {
		t.Fatalf("expected old run pruned")
	}
}
