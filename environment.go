package cqrpc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-cqrpc/internal/core"
	"github.com/joeycumines/logiface"
)

// CompletionQueue pairs a native queue with the promise bookkeeping needed
// to resolve its completions: the tag arena, the poller's identity, and the
// deferred-work queue for spawned tasks woken from the poller itself.
type CompletionQueue struct {
	core   *core.Queue
	logger *logiface.Logger[logiface.Event]
	// work holds spawned tasks notified from the poller goroutine; they
	// are drained after each dispatched event instead of round-tripping
	// through the queue.
	work       []*SpawnTask
	tags       tagArena
	pollerGoid atomic.Int64
	name       string
}

// Shutdown begins shutting down the underlying queue. Outstanding tags are
// drained and resolved (with success=false where work was force-completed)
// before the poller exits.
func (cq *CompletionQueue) Shutdown() {
	cq.core.Shutdown()
}

// onPoller reports whether the caller is the queue's poller goroutine.
// False while the poller has not yet recorded its identity, so callers
// fall through to the injection path rather than the work list.
func (cq *CompletionQueue) onPoller() bool {
	p := cq.pollerGoid.Load()
	return p != 0 && p == goroutineID()
}

// poll drains the queue until shutdown completes. Runs as the body of the
// queue's dedicated poller goroutine.
func (cq *CompletionQueue) poll() {
	cq.pollerGoid.Store(goroutineID())
	cq.logger.Debug().
		Str("queue", cq.name).
		Log("poller started")
	for {
		e := cq.core.Next()
		switch e.Kind {
		case core.EventShutdown:
			cq.logger.Debug().
				Str("queue", cq.name).
				Log("poller stopped")
			return
		case core.EventTimeout:
		case core.EventOpComplete:
			t := cq.tags.claim(e.Tag)
			t.resolve(cq, e.Success)
		}
		cq.drainWork()
	}
}

// drainWork polls every task deferred by a same-goroutine wakeup. Tasks may
// defer further work while being polled; the loop keeps going until the
// queue is empty. Only ever runs on the poller goroutine.
func (cq *CompletionQueue) drainWork() {
	for len(cq.work) > 0 {
		t := cq.work[0]
		cq.work[0] = nil
		cq.work = cq.work[1:]
		t.poll(cq)
	}
	cq.work = nil
}

// EnvBuilder configures an [Environment]. The zero value is not usable; use
// [NewEnvBuilder].
type EnvBuilder struct {
	logger     *logiface.Logger[logiface.Event]
	afterStart func()
	beforeStop func()
	namePrefix string
	cqCount    int
}

// NewEnvBuilder returns a builder with a single completion queue and no
// logging.
func NewEnvBuilder() *EnvBuilder {
	return &EnvBuilder{cqCount: 1, namePrefix: "cqrpc-poll"}
}

// CQCount sets how many completion queues (and poller goroutines) the
// environment runs. Panics if n < 1.
func (b *EnvBuilder) CQCount(n int) *EnvBuilder {
	if n < 1 {
		panic("cqrpc: cq count must be positive")
	}
	b.cqCount = n
	return b
}

// NamePrefix sets the prefix used to name each queue's poller.
func (b *EnvBuilder) NamePrefix(prefix string) *EnvBuilder {
	b.namePrefix = prefix
	return b
}

// Logger sets the logger used by the pollers and everything built on top of
// the environment. A nil logger disables logging.
func (b *EnvBuilder) Logger(logger *logiface.Logger[logiface.Event]) *EnvBuilder {
	b.logger = logger
	return b
}

// AfterStart registers a callback invoked by each poller goroutine before
// it starts draining its queue.
func (b *EnvBuilder) AfterStart(fn func()) *EnvBuilder {
	b.afterStart = fn
	return b
}

// BeforeStop registers a callback invoked by each poller goroutine after
// its queue drains, before the goroutine exits.
func (b *EnvBuilder) BeforeStop(fn func()) *EnvBuilder {
	b.beforeStop = fn
	return b
}

// Build starts the poller goroutines and returns the environment.
func (b *EnvBuilder) Build() *Environment {
	e := &Environment{
		cqs:    make([]*CompletionQueue, b.cqCount),
		logger: b.logger,
	}
	for i := range e.cqs {
		cq := &CompletionQueue{
			core:   core.NewQueue(),
			logger: b.logger,
			name:   fmt.Sprintf("%s-%d", b.namePrefix, i),
		}
		e.cqs[i] = cq
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if b.afterStart != nil {
				b.afterStart()
			}
			cq.poll()
			if b.beforeStop != nil {
				b.beforeStop()
			}
		}()
	}
	return e
}

// Environment owns a set of completion queues, each drained by a dedicated
// poller goroutine. Channels and servers distribute their calls across the
// queues round-robin.
type Environment struct {
	logger *logiface.Logger[logiface.Event]
	cqs    []*CompletionQueue
	wg     sync.WaitGroup
	idx    atomic.Uint32
}

// NewEnvironment is shorthand for NewEnvBuilder().CQCount(cqCount).Build().
func NewEnvironment(cqCount int) *Environment {
	return NewEnvBuilder().CQCount(cqCount).Build()
}

// PickCQ returns one of the environment's queues, round-robin.
func (e *Environment) PickCQ() *CompletionQueue {
	n := e.idx.Add(1)
	return e.cqs[int(n-1)%len(e.cqs)]
}

// CompletionQueues returns all queues owned by the environment.
func (e *Environment) CompletionQueues() []*CompletionQueue {
	return e.cqs
}

// Shutdown shuts down every queue and blocks until all pollers have
// drained and exited. Outstanding operations complete with failure.
func (e *Environment) Shutdown() {
	for _, cq := range e.cqs {
		cq.core.Shutdown()
	}
	e.wg.Wait()
}
