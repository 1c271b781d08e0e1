// Package pipeline wires capture, recognition, translation and caption
// delivery into one supervised run.
package pipeline

import (
	"sync/atomic"
	"time"
)

// State is the controller lifecycle. Transitions only move forward.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State { return State(m.v.Load()) }

// advance moves to next when next is later than the current state.
func (m *stateMachine) advance(next State) bool {
	for {
		cur := m.v.Load()
		if State(cur) >= next {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Utterance is one finalized recognizer result.
type Utterance struct {
	// Seq numbers utterances from 1 within a run.
	Seq  uint64
	Text string
	// Block is the sequence number of the audio block that completed it.
	Block uint64
	At    time.Time
}
