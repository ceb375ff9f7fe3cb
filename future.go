package cqrpc

import "context"

// Waker is notified when a pending future becomes ready. Wake must be safe
// to call from any goroutine, including the queue poller itself.
type Waker interface {
	Wake()
}

// BatchResult is the successful outcome of a batch operation: the received
// message bytes, when the operation carried one.
type BatchResult struct {
	Msg     []byte
	Present bool
}

// batchInner is the shared state between a batch promise and its future.
// The spin lock guards very short sections; nothing blocking happens under
// it.
type batchInner struct {
	lk       spinLock
	waker    Waker
	err      error
	result   BatchResult
	resolved bool
	consumed bool
}

// set resolves the future successfully. Exactly one of set/fail is called,
// exactly once, by the queue poller.
func (b *batchInner) set(result BatchResult) {
	b.lk.Lock()
	if b.resolved {
		b.lk.Unlock()
		panic("cqrpc: batch resolved twice")
	}
	b.resolved = true
	b.result = result
	w := b.waker
	b.waker = nil
	b.lk.Unlock()
	if w != nil {
		w.Wake()
	}
}

// fail resolves the future with an error.
func (b *batchInner) fail(err error) {
	b.lk.Lock()
	if b.resolved {
		b.lk.Unlock()
		panic("cqrpc: batch resolved twice")
	}
	b.resolved = true
	b.err = err
	w := b.waker
	b.waker = nil
	b.lk.Unlock()
	if w != nil {
		w.Wake()
	}
}

// BatchFuture resolves once, when the native operation it represents
// completes. The zero value is invalid; futures come from call operations.
type BatchFuture struct {
	inner *batchInner
}

// Poll checks the future. While pending it reports ready=false and parks w
// to be woken on resolution (a later Poll replaces the parked waker). Once
// the result has been taken, further polls report ErrFutureStale.
func (f BatchFuture) Poll(w Waker) (result BatchResult, ready bool, err error) {
	in := f.inner
	in.lk.Lock()
	defer in.lk.Unlock()
	if in.consumed {
		return BatchResult{}, true, ErrFutureStale
	}
	if !in.resolved {
		in.waker = w
		return BatchResult{}, false, nil
	}
	in.consumed = true
	in.waker = nil
	return in.result, true, in.err
}

// Wait blocks until the future resolves or ctx is done. Cancellation leaves
// the future unconsumed; the operation itself keeps running.
func (f BatchFuture) Wait(ctx context.Context) (BatchResult, error) {
	w := newChanWaker()
	for {
		result, ready, err := f.Poll(w)
		if ready {
			return result, err
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}
	}
}

// chanWaker adapts the poll-style future to blocking consumption.
type chanWaker struct {
	ch chan struct{}
}

func newChanWaker() *chanWaker {
	return &chanWaker{ch: make(chan struct{}, 1)}
}

func (w *chanWaker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
