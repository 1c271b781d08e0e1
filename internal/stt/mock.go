package stt

import (
	"context"
	"fmt"
	"sync"
)

// Mock finalizes a placeholder utterance every N blocks. It exercises the
// whole pipeline without a speech backend.
type Mock struct {
	every  int
	blocks int
	count  int
}

func NewMock(everyBlocks int) *Mock {
	if everyBlocks < 1 {
		everyBlocks = 1
	}
	return &Mock{every: everyBlocks}
}

func (m *Mock) Feed(_ context.Context, pcm []byte) (Result, error) {
	m.blocks++
	if m.blocks < m.every {
		return Result{}, nil
	}
	m.blocks = 0
	m.count++
	return Result{Final: true, Text: fmt.Sprintf("[utterance %d rms=%.0f]", m.count, computeRMS(pcm))}, nil
}

func (m *Mock) Reset() { m.blocks = 0 }

// Step is one scripted recognizer response.
type Step struct {
	Text string
	Err  error
}

// Scripted replays a fixed sequence of responses, one per Feed. A step with
// empty Text and no Err is a pending result. Once the script is exhausted
// every Feed is pending.
type Scripted struct {
	mu     sync.Mutex
	steps  []Step
	fed    int
	resets int
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Feed(_ context.Context, _ []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.fed
	s.fed++
	if i >= len(s.steps) {
		return Result{}, nil
	}
	step := s.steps[i]
	if step.Err != nil {
		return Result{}, step.Err
	}
	if step.Text == "" {
		return Result{}, nil
	}
	return Result{Final: true, Text: step.Text}, nil
}

func (s *Scripted) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Fed is the number of Feed calls so far.
func (s *Scripted) Fed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed
}

// Resets is the number of Reset calls so far.
func (s *Scripted) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}
