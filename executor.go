package cqrpc

import "sync/atomic"

// Future is a unit of spawnable work. Poll drives it as far as it can go
// without blocking and reports whether it finished; while unfinished, the
// task re-polls it whenever w is woken. Poll is never invoked concurrently
// for one future, and never again after it reports done.
type Future interface {
	Poll(w Waker) (done bool)
}

// Task states. A task is re-polled only through Notified, so concurrent
// wakeups collapse into at most one extra poll.
const (
	taskNotified uint32 = iota + 1
	taskIdle
	taskPolling
	taskCompleted
)

// SpawnTask drives one spawned future on a completion queue's poller
// goroutine. Wakeups while the task is being polled are deferred to the
// in-progress poll loop instead of re-entering.
type SpawnTask struct {
	fut   Future
	cq    *CompletionQueue
	state atomic.Uint32
}

// Wake implements [Waker]. It schedules the task to be re-polled on its
// queue's poller goroutine.
func (t *SpawnTask) Wake() {
	if !t.markNotified() {
		return
	}
	t.kick()
}

// markNotified transitions the task to Notified and reports whether the
// caller must schedule a poll. A wakeup during Polling is absorbed by the
// poll loop already running; a wakeup of a Notified or Completed task is a
// no-op.
func (t *SpawnTask) markNotified() bool {
	for {
		switch s := t.state.Load(); s {
		case taskNotified, taskCompleted:
			return false
		case taskIdle:
			if t.state.CompareAndSwap(taskIdle, taskNotified) {
				return true
			}
		case taskPolling:
			if t.state.CompareAndSwap(taskPolling, taskNotified) {
				return false
			}
		default:
			panic("cqrpc: spawn task in unknown state")
		}
	}
}

// kick schedules a poll of the task. From the poller goroutine itself the
// task joins the queue's deferred-work list; from anywhere else it rides a
// completion event injected into the queue.
func (t *SpawnTask) kick() {
	cq := t.cq
	if cq.onPoller() {
		cq.work = append(cq.work, t)
		return
	}
	id := cq.tags.put(&callTag{kind: tagSpawn, task: t})
	if err := cq.core.Inject(id, true); err != nil {
		// Queue is shutting down; the task will never run again.
		cq.tags.claim(id)
		t.state.Store(taskCompleted)
		cq.logger.Warning().
			Str("queue", cq.name).
			Err(err).
			Log("dropped spawned task wakeup")
	}
}

// poll runs the future until it pends with no pending notification, or
// completes. Entered inline by Spawn for the first poll, and from the
// poller goroutine thereafter; always in the Notified state, never
// concurrently.
func (t *SpawnTask) poll(cq *CompletionQueue) {
	for {
		if !t.state.CompareAndSwap(taskNotified, taskPolling) {
			panic("cqrpc: spawn task polled while not notified")
		}
		if t.pollOnce(cq) {
			t.state.Store(taskCompleted)
			return
		}
		if t.state.CompareAndSwap(taskPolling, taskIdle) {
			return
		}
		// Notified while polling: absorb the wakeup and go again.
	}
}

// pollOnce polls the future once, converting a panic into task completion
// so one broken future cannot take the poller down.
func (t *SpawnTask) pollOnce(cq *CompletionQueue) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			done = true
			cq.logger.Err().
				Str("queue", cq.name).
				Any("panic", r).
				Log("spawned task panicked")
		}
	}()
	return t.fut.Poll(t)
}

// Executor spawns futures onto one completion queue. All polling of a
// spawned future happens on that queue's poller goroutine.
type Executor struct {
	cq *CompletionQueue
}

// NewExecutor returns an executor bound to cq.
func NewExecutor(cq *CompletionQueue) Executor {
	return Executor{cq: cq}
}

// Spawn submits fut. The first poll runs inline on the calling goroutine;
// every subsequent poll happens on the queue's poller goroutine.
func (e Executor) Spawn(fut Future) {
	t := &SpawnTask{fut: fut, cq: e.cq}
	t.state.Store(taskNotified)
	t.poll(e.cq)
}
