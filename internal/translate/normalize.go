package translate

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalizer cleans recognizer output before translation. Steps run in the
// configured order.
type Normalizer struct {
	steps []func(string) string
}

// NewNormalizer accepts strip_spaces, trim, nfkc and fold_width.
func NewNormalizer(steps []string) (Normalizer, error) {
	var n Normalizer
	for _, name := range steps {
		switch name {
		case "strip_spaces":
			n.steps = append(n.steps, stripSpaces)
		case "trim":
			n.steps = append(n.steps, strings.TrimSpace)
		case "nfkc":
			n.steps = append(n.steps, norm.NFKC.String)
		case "fold_width":
			n.steps = append(n.steps, width.Fold.String)
		default:
			return Normalizer{}, fmt.Errorf("unknown normalize step %q", name)
		}
	}
	return n, nil
}

func (n Normalizer) Apply(text string) string {
	for _, step := range n.steps {
		text = step(text)
	}
	return text
}

// stripSpaces drops the ASCII and ideographic spaces Japanese recognizers
// insert between tokens.
func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '　' {
			return -1
		}
		return r
	}, s)
}
