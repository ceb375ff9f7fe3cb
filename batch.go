package cqrpc

import (
	"sync"

	"github.com/joeycumines/go-cqrpc/internal/core"
)

// BatchType selects how a completed batch maps onto its future's result.
type BatchType uint8

const (
	// BatchFinish resolves with no message once the terminal status
	// arrives; a non-OK status resolves the future with an *RpcError.
	BatchFinish BatchType = iota
	// BatchRead resolves with the next incoming message, or with no
	// message at end-of-stream.
	BatchRead
	// BatchCheckRead resolves like BatchFinish but additionally carries at
	// most one message, for the coupled unary and client-streaming shapes.
	// The status is checked before the message is surfaced.
	BatchCheckRead
)

// batch is the promise half of a batch operation: the scratch results the
// native layer fills, plus the future's shared state. The queue poller
// resolves it exactly once.
type batch struct {
	res   core.BatchResults
	inner *batchInner
	ty    BatchType
}

func newBatch(ty BatchType) (*batch, BatchFuture) {
	in := &batchInner{}
	return &batch{ty: ty, inner: in}, BatchFuture{inner: in}
}

// resolve maps the completion event onto the future. success=false means
// the peer (or a cancellation) stopped the call while the operation was
// outstanding; the operation's own semantics never produce it.
func (b *batch) resolve(success bool) {
	switch b.ty {
	case BatchFinish:
		if !success {
			b.inner.fail(ErrRemoteStopped)
			return
		}
		if st := (RpcStatus{Code: b.res.StatusCode, Detail: b.res.StatusDetail}); !st.OK() {
			b.inner.fail(&RpcError{Status: st})
			return
		}
		b.inner.set(BatchResult{})
	case BatchRead:
		if !success {
			b.inner.fail(ErrRemoteStopped)
			return
		}
		b.inner.set(BatchResult{Msg: b.res.Msg, Present: b.res.MsgPresent})
	case BatchCheckRead:
		if !success {
			b.inner.fail(ErrRemoteStopped)
			return
		}
		if st := (RpcStatus{Code: b.res.StatusCode, Detail: b.res.StatusDetail}); !st.OK() {
			b.inner.fail(&RpcError{Status: st})
			return
		}
		b.inner.set(BatchResult{Msg: b.res.Msg, Present: b.res.MsgPresent})
	default:
		panic("cqrpc: unknown batch type")
	}
}

// shutdownPromise resolves the future returned by Server.Shutdown.
type shutdownPromise struct {
	inner *batchInner
}

func newShutdownPromise() (*shutdownPromise, BatchFuture) {
	in := &batchInner{}
	return &shutdownPromise{inner: in}, BatchFuture{inner: in}
}

func (p *shutdownPromise) resolve(success bool) {
	if success {
		p.inner.set(BatchResult{})
		return
	}
	p.inner.fail(ErrShutdownFailed)
}

type tagKind uint8

const (
	tagBatch tagKind = iota
	tagRequest
	tagUnaryRequest
	tagShutdown
	tagSpawn
)

// callTag is what a completion-queue tag resolves to: exactly one of the
// pointer fields is set, selected by kind.
type callTag struct {
	batch    *batch
	request  *requestCtx
	unary    *unaryRequestCtx
	shutdown *shutdownPromise
	task     *SpawnTask
	kind     tagKind
}

// resolve dispatches the completion event. Called only from the queue's
// poller goroutine, after the tag has been claimed from the arena.
func (t *callTag) resolve(cq *CompletionQueue, success bool) {
	switch t.kind {
	case tagBatch:
		t.batch.resolve(success)
	case tagRequest:
		t.request.resolve(cq, success)
	case tagUnaryRequest:
		t.unary.resolve(cq, success)
	case tagShutdown:
		t.shutdown.resolve(success)
	case tagSpawn:
		t.task.poll(cq)
	default:
		panic("cqrpc: malformed tag")
	}
}

// tagArena maps the opaque uint64 tags handed to the native layer back to
// their promises. claim removes the mapping, so a tag delivered twice (or
// never registered) panics instead of resolving a promise twice.
type tagArena struct {
	mu   sync.Mutex
	tags map[uint64]*callTag
	next uint64
}

func (a *tagArena) put(t *callTag) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tags == nil {
		a.tags = make(map[uint64]*callTag)
	}
	a.next++
	a.tags[a.next] = t
	return a.next
}

func (a *tagArena) claim(id uint64) *callTag {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tags[id]
	if !ok {
		panic("cqrpc: tag delivered twice or never registered")
	}
	delete(a.tags, id)
	return t
}
