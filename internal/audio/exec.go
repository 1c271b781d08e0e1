package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures from an external recorder (arecord, ffmpeg, sox, ...)
// that writes raw S16LE PCM to stdout. The command may reference {device},
// {rate}, {channels} and {block}; they are substituted per argument after
// shell-word splitting.
type ExecDevice struct {
	command string
	device  string
}

func NewExecDevice(command, device string) (*ExecDevice, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command is empty")
	}
	return &ExecDevice{command: command, device: device}, nil
}

func (d *ExecDevice) Name() string { return "exec:" + d.device }

func (d *ExecDevice) DefaultSampleRate() int { return DefaultSampleRate }

func (d *ExecDevice) args(format Format) ([]string, error) {
	args, err := shellwords.NewParser().Parse(d.command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	replacer := strings.NewReplacer(
		"{device}", d.device,
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
		"{block}", strconv.Itoa(format.BlockSize),
	)
	for i, a := range args {
		args[i] = replacer.Replace(a)
	}
	return args, nil
}

func (d *ExecDevice) Open(ctx context.Context, format Format, cb Callback) (Stream, error) {
	args, err := d.args(format)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("audio command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start audio command: %w", err)
	}

	s := &readerStream{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(s.done)
		pump(runCtx, stdout, format, 0, cb, s)
		if err := cmd.Wait(); err != nil && runCtx.Err() == nil {
			s.setErr(fmt.Errorf("audio command exited: %w: %s", err, strings.TrimSpace(stderr.String())))
		}
	}()
	return s, nil
}
