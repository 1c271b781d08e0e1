package translate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

var jaEn = Languages{From: "ja", To: "en"}

func TestNormalizer(t *testing.T) {
	cases := []struct {
		steps []string
		in    string
		want  string
	}{
		{[]string{"strip_spaces"}, "こんにちは 世界　です", "こんにちは世界です"},
		{[]string{"trim"}, "  hello  ", "hello"},
		{[]string{"nfkc"}, "ｶﾀｶﾅ①", "カタカナ1"},
		{[]string{"fold_width"}, "ＡＢＣ１２３", "ABC123"},
		{[]string{"trim", "strip_spaces"}, " a b ", "ab"},
		{nil, " unchanged ", " unchanged "},
	}
	for _, tc := range cases {
		n, err := NewNormalizer(tc.steps)
		if err != nil {
			t.Fatalf("new normalizer %v: %v", tc.steps, err)
		}
		if got := n.Apply(tc.in); got != tc.want {
			t.Errorf("%v(%q) = %q, want %q", tc.steps, tc.in, got, tc.want)
		}
	}
	if _, err := NewNormalizer([]string{"lowercase"}); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestMockTranslator(t *testing.T) {
	got, err := NewMock(jaEn).Translate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "[ja→en] hello" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestExecTranslator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "mt.sh")
	body := "#!/bin/sh\nread -r line\ncase \"$line\" in *'\"to\":\"en\"'*) echo '{\"text\":\"good morning\"}' ;; *) exit 2 ;; esac\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tr, err := NewExec("sh "+script, jaEn)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	got, err := tr.Translate(context.Background(), "おはよう")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "good morning" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestOllamaTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Stream || req.Prompt != "ありがとう" || !strings.Contains(req.System, "Japanese") {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: " thank you\n", Done: true})
	}))
	defer srv.Close()

	got, err := NewOllama(srv.URL, "", jaEn, time.Second).Translate(context.Background(), "ありがとう")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "thank you" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestOllamaTranslatorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := NewOllama(srv.URL, "m", jaEn, time.Second).Translate(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOpenAITranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 || req.Messages[1].Content != "さようなら" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"`+req.Model+`",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"goodbye"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	tr, err := NewOpenAI("test-key", "gpt-4o-mini", srv.URL+"/v1/", jaEn, time.Second)
	if err != nil {
		t.Fatalf("new openai: %v", err)
	}
	got, err := tr.Translate(context.Background(), "さようなら")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "goodbye" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(config.TranslateConfig{Mode: "telepathy"}, logger); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(config.TranslateConfig{Mode: "openai", Model: "m"}, logger); err == nil {
		t.Fatal("expected error for missing api key")
	}
	tr, err := New(config.TranslateConfig{Mode: "mock", From: "ja", To: "en"}, logger)
	if err != nil || tr == nil {
		t.Fatalf("mock translator: %v", err)
	}
}
