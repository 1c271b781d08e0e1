package translate

import (
	"context"
	"strings"
)

type mockTranslator struct {
	langs Languages
}

func NewMock(langs Languages) Translator { return &mockTranslator{langs: langs} }

func (m *mockTranslator) Translate(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "[" + m.langs.From + "→" + m.langs.To + "] " + strings.TrimSpace(text), nil
}
