package core

import (
	"testing"
	"time"
)

func collectUntilShutdown(t *testing.T, q *Queue) []Event {
	t.Helper()
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			e := q.Next()
			if e.Kind == EventShutdown {
				return
			}
			if e.Kind == EventOpComplete {
				events = append(events, e)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never delivered shutdown")
	}
	return events
}

func TestQueue_deliversEachTagOnce(t *testing.T) {
	q := NewQueue()
	for i := uint64(1); i <= 100; i++ {
		if err := q.register(); err != nil {
			t.Fatal(err)
		}
		q.complete(i, i%2 == 0)
	}
	q.Shutdown()
	events := collectUntilShutdown(t, q)
	if len(events) != 100 {
		t.Fatalf("got %d events, want 100", len(events))
	}
	seen := make(map[uint64]bool)
	for _, e := range events {
		if seen[e.Tag] {
			t.Fatalf("tag %d delivered twice", e.Tag)
		}
		seen[e.Tag] = true
		if e.Success != (e.Tag%2 == 0) {
			t.Fatalf("tag %d: success = %v", e.Tag, e.Success)
		}
	}
}

func TestQueue_registerFailsAfterShutdown(t *testing.T) {
	q := NewQueue()
	q.Shutdown()
	if err := q.register(); err != ErrShutdown {
		t.Fatalf("got %v, want ErrShutdown", err)
	}
}

// A tag outstanding at shutdown must still be drained before the shutdown
// event is delivered.
func TestQueue_drainsOutstandingTagsOnShutdown(t *testing.T) {
	q := NewQueue()
	if err := q.register(); err != nil {
		t.Fatal(err)
	}
	q.Shutdown()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.complete(7, false)
	}()
	events := collectUntilShutdown(t, q)
	if len(events) != 1 || events[0].Tag != 7 || events[0].Success {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestQueue_shutdownHooks(t *testing.T) {
	q := NewQueue()
	var ran []int
	q.OnShutdown(func() { ran = append(ran, 1) })
	q.Shutdown()
	if len(ran) != 1 {
		t.Fatalf("hook not run: %v", ran)
	}
	// hooks registered after shutdown run immediately
	q.OnShutdown(func() { ran = append(ran, 2) })
	if len(ran) != 2 {
		t.Fatalf("late hook not run: %v", ran)
	}
}

func TestQueue_completeWithoutRegisterPanics(t *testing.T) {
	q := NewQueue()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	q.complete(1, true)
}
