package audio

import (
	"context"
	"fmt"
	"io"
	"os"
)

// FileDevice replays headerless PCM from a file, or stdin when the path is
// "-". Recordings written by the recording sink replay unchanged.
type FileDevice struct {
	path       string
	realtime   bool
	sampleRate int
	stdin      io.Reader
	flow       *Queue
}

// NewFileDevice returns a device reading path. With realtime set, blocks are
// paced at the block duration; otherwise they are delivered as fast as the
// consumer accepts them once FlowControl has been called.
func NewFileDevice(path string, realtime bool) *FileDevice {
	return &FileDevice{path: path, realtime: realtime, sampleRate: DefaultSampleRate, stdin: os.Stdin}
}

// FlowControl makes non-realtime replay wait for space in q rather than drop.
func (d *FileDevice) FlowControl(q *Queue) { d.flow = q }

func (d *FileDevice) Name() string { return "file:" + d.path }

func (d *FileDevice) DefaultSampleRate() int { return d.sampleRate }

func (d *FileDevice) Open(ctx context.Context, format Format, cb Callback) (Stream, error) {
	var (
		r      io.Reader
		closer func() error
	)
	if d.path == "-" {
		r = d.stdin
	} else {
		f, err := os.Open(d.path)
		if err != nil {
			return nil, fmt.Errorf("open audio file: %w", err)
		}
		r = f
		closer = f.Close
	}

	var pace = format.BlockDuration()
	if !d.realtime {
		pace = 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &readerStream{done: make(chan struct{}), cancel: cancel, closer: closer}
	if !d.realtime && d.flow != nil {
		s.gate = waitForSpace(d.flow)
	}
	go func() {
		defer close(s.done)
		pump(runCtx, r, format, pace, cb, s)
	}()
	return s, nil
}
