// Package translate turns finalized source-language utterances into
// target-language caption text.
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Translator translates one utterance.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Languages is the configured direction of translation.
type Languages struct {
	From string
	To   string
}

// prompt is shared by the model-backed translators.
func (l Languages) prompt() string {
	return fmt.Sprintf("You are a simultaneous interpreter. Translate the user's %s text into natural %s. "+
		"Reply with the translation only, without quotes, notes or the original text.",
		languageName(l.From), languageName(l.To))
}

var languageNames = map[string]string{
	"ja": "Japanese",
	"en": "English",
	"zh": "Chinese",
	"ko": "Korean",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// New builds the translator selected by cfg.Mode.
func New(cfg config.TranslateConfig, logger *slog.Logger) (Translator, error) {
	langs := Languages{From: cfg.From, To: cfg.To}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	var (
		t   Translator
		err error
	)
	switch cfg.Mode {
	case "mock":
		t = NewMock(langs)
	case "exec":
		t, err = NewExec(cfg.Command, langs)
	case "ollama":
		t = NewOllama(cfg.Endpoint, cfg.Model, langs, timeout)
	case "openai":
		t, err = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, langs, timeout)
	default:
		return nil, fmt.Errorf("unknown translate mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("translator ready",
		slog.String("component", "translate"),
		slog.String("mode", cfg.Mode),
		slog.String("from", cfg.From),
		slog.String("to", cfg.To))
	return t, nil
}
