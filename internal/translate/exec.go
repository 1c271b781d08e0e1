package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execTranslator pipes {"text","from","to"} to a command's stdin and reads
// {"text"} from its stdout.
type execTranslator struct {
	cmd   []string
	langs Languages
}

type execRequest struct {
	Text string `json:"text"`
	From string `json:"from"`
	To   string `json:"to"`
}

type execResponse struct {
	Text string `json:"text"`
}

func NewExec(command string, langs Languages) (Translator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translate command empty")
	}
	return &execTranslator{cmd: args, langs: langs}, nil
}

func (t *execTranslator) Translate(ctx context.Context, text string) (string, error) {
	input, err := json.Marshal(execRequest{Text: text, From: t.langs.From, To: t.langs.To})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translate exec command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translate exec response: %w", err)
	}
	return resp.Text, nil
}
