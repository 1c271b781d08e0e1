package audio

import (
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(16)
	for i := 0; i < 16; i++ {
		if err := q.Push(Block{Seq: uint64(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 16; i++ {
		b, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue reported end of stream", i)
		}
		if b.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, b.Seq)
		}
	}
	if q.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", q.Dropped())
	}
}

func TestQueueFullDropsOne(t *testing.T) {
	q := NewQueue(2)
	_ = q.Push(Block{Seq: 0})
	_ = q.Push(Block{Seq: 1})

	returned := make(chan error, 1)
	go func() { returned <- q.Push(Block{Seq: 2}) }()

	select {
	case err := <-returned:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push on a full queue blocked")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", q.Dropped())
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.Len())
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := NewQueue(4)
	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatal("expected end of stream after close")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := NewQueue(4)
	_ = q.Push(Block{Seq: 7})
	_ = q.Push(Block{Seq: 8})
	q.Close()
	q.Close()

	if err := q.Push(Block{Seq: 9}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	for _, want := range []uint64{7, 8} {
		b, ok := q.Pop()
		if !ok || b.Seq != want {
			t.Fatalf("expected seq %d, got %d (ok=%v)", want, b.Seq, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected end of stream once drained")
	}
	if q.Dropped() != 0 {
		t.Fatalf("push after close must not count as a drop, got %d", q.Dropped())
	}
}
