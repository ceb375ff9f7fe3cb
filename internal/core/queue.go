// Package core is the in-process native engine the cqrpc call layer wraps.
//
// It plays the role the C core plays for a wrapped gRPC stack: completion
// queues deliver opaque uint64 tags, calls accept batch operations that
// complete asynchronously, and a server/channel pair provides the in-memory
// rendezvous for new calls. The call layer above owns all promise/future
// semantics; this package only moves bytes and completes tags.
//
// All types in this package are safe for concurrent use unless noted.
package core

import (
	"errors"
	"sync"
)

// ErrShutdown is reported when an operation is submitted against a
// completion queue that has begun shutting down.
var ErrShutdown = errors.New("core: completion queue shut down")

// EventKind classifies the result of [Queue.Next].
type EventKind uint8

const (
	// EventOpComplete indicates a submitted operation finished; Tag and
	// Success are meaningful.
	EventOpComplete EventKind = iota
	// EventTimeout indicates a spurious wakeup; callers should loop.
	EventTimeout
	// EventShutdown indicates the queue has fully drained after shutdown.
	// No further events will be delivered.
	EventShutdown
)

// Event is one completion delivered by [Queue.Next].
type Event struct {
	Tag     uint64
	Kind    EventKind
	Success bool
}

// Queue is a completion queue. Every tag registered against the queue is
// delivered back exactly once via [Queue.Next], including after
// [Queue.Shutdown] begins (shutdown hooks force-complete parked work, so
// nothing owned by an outstanding tag leaks).
type Queue struct {
	cond      sync.Cond
	mu        sync.Mutex
	events    []Event
	hooks     []func()
	pending   int
	shutdown  bool
	delivered bool
}

// NewQueue creates an empty, open completion queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond.L = &q.mu
	return q
}

// register accounts for a tag handed to the native layer. It fails once
// shutdown has begun; a successful register must be balanced by exactly one
// complete.
func (q *Queue) register() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return ErrShutdown
	}
	q.pending++
	return nil
}

// complete delivers the completion event for a previously registered tag.
// It is legal (and required, for draining) after shutdown has begun.
func (q *Queue) complete(tag uint64, success bool) {
	q.mu.Lock()
	if q.pending <= 0 {
		q.mu.Unlock()
		panic("core: completion without registration")
	}
	q.pending--
	q.events = append(q.events, Event{Tag: tag, Kind: EventOpComplete, Success: success})
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Inject registers and immediately completes a tag, waking the queue's
// poller. Used for cross-thread wakeups of spawned tasks.
func (q *Queue) Inject(tag uint64, success bool) error {
	if err := q.register(); err != nil {
		return err
	}
	q.complete(tag, success)
	return nil
}

// OnShutdown registers a hook invoked once when Shutdown begins. Hooks
// force-complete work parked against this queue; they run without the
// queue lock held and may call complete.
func (q *Queue) OnShutdown(fn func()) {
	q.mu.Lock()
	if !q.shutdown {
		q.hooks = append(q.hooks, fn)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	// Already shutting down: run immediately so the work still drains.
	fn()
}

// Shutdown begins queue shutdown: new registrations fail, shutdown hooks
// fire, and once every outstanding tag has completed [Queue.Next] delivers
// a single EventShutdown.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	hooks := q.hooks
	q.hooks = nil
	// Nudge the poller so it observes the shutdown promptly even when no
	// completion is in flight.
	q.events = append(q.events, Event{Kind: EventTimeout})
	q.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	q.cond.Broadcast()
}

// Next blocks until the next event is available. After shutdown it keeps
// delivering outstanding completions until the queue drains, then delivers
// EventShutdown exactly once. A wakeup with nothing to deliver (shutdown
// requested while tags are still outstanding) surfaces as EventTimeout.
func (q *Queue) Next() Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.events) > 0 {
			e := q.events[0]
			q.events[0] = Event{}
			q.events = q.events[1:]
			if len(q.events) == 0 {
				q.events = nil
			}
			return e
		}
		if q.shutdown && q.pending == 0 {
			if q.delivered {
				panic("core: Next called after shutdown event")
			}
			q.delivered = true
			return Event{Kind: EventShutdown}
		}
		q.cond.Wait()
	}
}
