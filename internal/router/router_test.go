package router

import (
	"testing"
	"time"

	"github.com/mmikhailov/agentrelay/internal/domain"
)

func TestCancelSignalIsIdempotentAndEdgeTriggered(t *testing.T) {
	t.Parallel()
	sig := NewCancelSignal()
	if sig.IsSet() {
		t.Fatal("expected fresh signal to be unset")
	}
	sig.Set()
	sig.Set() // idempotent
	if !sig.IsSet() {
		t.Fatal("expected signal to be set")
	}
	select {
	case <-sig.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestInFlightTrackerCancelIsNoopWithoutTrack(t *testing.T) {
	t.Parallel()
	tr := NewInFlightTracker()
	tr.Cancel("thread-1") // must not panic
}

func TestInFlightTrackerTrackCancelUntrack(t *testing.T) {
	t.Parallel()
	tr := NewInFlightTracker()
	sig := tr.Track("thread-1")
	if sig.IsSet() {
		t.Fatal("expected fresh tracked signal to be unset")
	}
	tr.Cancel("thread-1")
	if !sig.IsSet() {
		t.Fatal("expected Cancel to set the tracked signal")
	}
	tr.Untrack("thread-1")
	tr.Cancel("thread-1") // no-op after untrack, must not panic or resurrect
}

func TestPendingQueueEnqueueReplacesPreservingPosition(t *testing.T) {
	t.Parallel()
	q := NewPendingQueue()

	q.Enqueue(&domain.PendingRequest{ThreadID: "t1", Text: "A", EnqueuedAt: time.Now()})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t2", Text: "X", EnqueuedAt: time.Now()})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t1", Text: "B", EnqueuedAt: time.Now()})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t1", Text: "C", EnqueuedAt: time.Now()})

	if q.Len() != 2 {
		t.Fatalf("expected 2 distinct threads queued, got %d", q.Len())
	}

	first := q.Dequeue()
	if first == nil || first.ThreadID != "t1" || first.Text != "C" {
		t.Fatalf("expected t1's latest payload C at original FIFO position, got %+v", first)
	}

	second := q.Dequeue()
	if second == nil || second.ThreadID != "t2" {
		t.Fatalf("expected t2 next, got %+v", second)
	}

	if q.Dequeue() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestPendingQueueDequeueWithPriority(t *testing.T) {
	t.Parallel()
	q := NewPendingQueue()

	q.Enqueue(&domain.PendingRequest{ThreadID: "t1"})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t2"})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t3"})

	// t2 is not the FIFO head, but as the first preference it is selected.
	got := q.DequeueWithPriority("t2", "t1")
	if got == nil || got.ThreadID != "t2" {
		t.Fatalf("expected t2 selected by priority, got %+v", got)
	}

	// With no matching preference, falls back to FIFO head (t1).
	got = q.DequeueWithPriority("does-not-exist")
	if got == nil || got.ThreadID != "t1" {
		t.Fatalf("expected FIFO head t1, got %+v", got)
	}

	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestPendingQueueDequeueByThread(t *testing.T) {
	t.Parallel()
	q := NewPendingQueue()
	q.Enqueue(&domain.PendingRequest{ThreadID: "t1"})
	q.Enqueue(&domain.PendingRequest{ThreadID: "t2"})

	got := q.DequeueByThread("t2")
	if got == nil || got.ThreadID != "t2" {
		t.Fatalf("expected t2, got %+v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
	if q.DequeueByThread("t2") != nil {
		t.Fatal("expected nil for already-removed thread")
	}
}
