package cqrpc

import (
	"errors"

	"github.com/joeycumines/go-cqrpc/internal/core"
	"google.golang.org/grpc/codes"
)

// WriteFlags tune a single message send.
type WriteFlags struct {
	// BufferHint lets the transport coalesce this message with later
	// writes; it stays invisible to the peer until something flushes it
	// (an unhinted write, a half-close, or the terminal status).
	BufferHint bool
	// ForceNoCompress disables compression for this message. Advisory; a
	// transport that never compresses ignores it.
	ForceNoCompress bool
}

// Call wraps one half of a native call handle plus the completion queue all
// of its operations resolve on.
type Call struct {
	raw *core.Call
	cq  *CompletionQueue
}

// startBatch registers a tag, submits the operation, and hands back the
// future. A synchronous rejection reclaims the tag immediately: submission
// failures never produce a completion event.
func (c *Call) startBatch(ty BatchType, op string, submit func(res *core.BatchResults, tag uint64) error) (BatchFuture, error) {
	b, f := newBatch(ty)
	id := c.cq.tags.put(&callTag{kind: tagBatch, batch: b})
	if err := submit(&b.res, id); err != nil {
		c.cq.tags.claim(id)
		if errors.Is(err, core.ErrShutdown) {
			err = ErrQueueShutdown
		}
		return BatchFuture{}, &SubmissionError{Op: op, Err: err}
	}
	return f, nil
}

func (c *Call) startSendMessage(msg []byte, flags WriteFlags) (BatchFuture, error) {
	return c.startBatch(BatchFinish, "send message", func(res *core.BatchResults, tag uint64) error {
		return c.raw.SendMessage(res, msg, flags.BufferHint, tag)
	})
}

func (c *Call) startSendCloseClient() (BatchFuture, error) {
	return c.startBatch(BatchFinish, "half close", func(res *core.BatchResults, tag uint64) error {
		return c.raw.SendCloseFromClient(res, tag)
	})
}

func (c *Call) startRecvMessage() (BatchFuture, error) {
	return c.startBatch(BatchRead, "receive message", func(res *core.BatchResults, tag uint64) error {
		return c.raw.RecvMessage(res, tag)
	})
}

// startServerSide watches for the call's terminal state from the server.
// The future fails with ErrRemoteStopped if the client cancels.
func (c *Call) startServerSide() (BatchFuture, error) {
	return c.startBatch(BatchFinish, "server close watch", func(res *core.BatchResults, tag uint64) error {
		return c.raw.StartServerSide(res, tag)
	})
}

func (c *Call) startSendStatusFromServer(status RpcStatus, payload []byte, hasPayload bool) (BatchFuture, error) {
	return c.startBatch(BatchFinish, "send status", func(res *core.BatchResults, tag uint64) error {
		return c.raw.SendStatusFromServer(res, status.Code, status.Detail, payload, hasPayload, tag)
	})
}

func (c *Call) startUnary(msg []byte) (BatchFuture, error) {
	return c.startBatch(BatchCheckRead, "unary call", func(res *core.BatchResults, tag uint64) error {
		return c.raw.StartUnary(res, msg, tag)
	})
}

func (c *Call) startClientStreaming() (BatchFuture, error) {
	return c.startBatch(BatchCheckRead, "client streaming call", func(res *core.BatchResults, tag uint64) error {
		return c.raw.StartClientStreaming(res, tag)
	})
}

func (c *Call) startServerStreaming(msg []byte) (BatchFuture, error) {
	return c.startBatch(BatchFinish, "server streaming call", func(res *core.BatchResults, tag uint64) error {
		return c.raw.StartServerStreaming(res, msg, tag)
	})
}

func (c *Call) startDuplexStreaming() (BatchFuture, error) {
	return c.startBatch(BatchFinish, "duplex streaming call", func(res *core.BatchResults, tag uint64) error {
		return c.raw.StartDuplexStreaming(res, tag)
	})
}

// Cancel stops the call. Idempotent, a no-op after the terminal status.
func (c *Call) Cancel() {
	c.raw.Cancel()
}

// ShareCall is a call whose handle is shared between the stream and sink
// halves of a streaming RPC. It tracks the terminal status so that, once
// the call finishes, every later operation fails fast with
// *CallFinishedError instead of touching the native handle.
type ShareCall struct {
	lk       spinLock
	call     Call
	closeF   BatchFuture
	status   RpcStatus
	finished bool
}

func newShareCall(call Call, closeF BatchFuture) *ShareCall {
	return &ShareCall{call: call, closeF: closeF}
}

// with runs f against the call handle under the share lock, failing fast if
// the call already finished. The lock is reentrant: f may call back into
// the ShareCall from the same goroutine.
func (s *ShareCall) with(f func(*Call) (BatchFuture, error)) (BatchFuture, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.finished {
		return BatchFuture{}, &CallFinishedError{Status: s.status}
	}
	return f(&s.call)
}

// pollFinish polls the call's terminal-status future and records the
// outcome. Once finished it keeps reporting the recorded status, so any
// half may poll it at any time. The message result (for the coupled unary
// shapes) is surfaced only on the resolving poll.
func (s *ShareCall) pollFinish(w Waker) (BatchResult, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.finished {
		return BatchResult{}, true, s.status.Err()
	}
	result, ready, err := s.closeF.Poll(w)
	if !ready {
		return BatchResult{}, false, nil
	}
	s.finished = true
	switch e := err.(type) {
	case nil:
		s.status = StatusOK()
	case *RpcError:
		s.status = e.Status
	default:
		s.status = NewStatus(codes.Internal, err.Error())
	}
	return result, true, err
}

// startRecv submits a receive against the call handle. Unlike with, it
// stays usable after a clean finish: messages buffered when the terminal
// status arrived still have to be drained. A call finished with an error
// fails fast as usual.
func (s *ShareCall) startRecv() (BatchFuture, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.finished && !s.status.OK() {
		return BatchFuture{}, &CallFinishedError{Status: s.status}
	}
	return s.call.startRecvMessage()
}

// checkAlive fails fast once the call reached its terminal state.
func (s *ShareCall) checkAlive() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.finished {
		return &CallFinishedError{Status: s.status}
	}
	return nil
}

// Cancel stops the underlying call.
func (s *ShareCall) Cancel() {
	s.lk.Lock()
	finished := s.finished
	s.lk.Unlock()
	if !finished {
		s.call.Cancel()
	}
}

// Status returns the recorded terminal status, if the call has finished.
func (s *ShareCall) Status() (RpcStatus, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.status, s.finished
}

// streamingBase drives the receive side of a streaming call: one
// outstanding receive at a time, with the terminal status remembered but
// buffered messages still drained before end-of-stream is reported.
type streamingBase struct {
	msgF      BatchFuture
	msgFSet   bool
	closeDone bool
	readDone  bool
	stale     bool
}

// pollRead advances the read side. It reports ready=false while pending (w
// will be woken), (msg, present=true) for a message, and present=false at
// end-of-stream or on error. After end-of-stream or an error it reports
// ErrFutureStale. skipFinishCheck elides the terminal-status watch for
// sides that track it elsewhere.
func (b *streamingBase) pollRead(w Waker, sc *ShareCall, skipFinishCheck bool) (msg []byte, present, ready bool, err error) {
	if b.stale {
		return nil, false, true, ErrFutureStale
	}
	for {
		if !skipFinishCheck && !b.closeDone {
			if _, fin, ferr := sc.pollFinish(w); fin {
				if ferr != nil {
					b.stale = true
					return nil, false, true, ferr
				}
				b.closeDone = true
			}
		}
		var got []byte
		var gotPresent bool
		if !b.readDone && b.msgFSet {
			res, rdy, rerr := b.msgF.Poll(w)
			if !rdy {
				return nil, false, false, nil
			}
			if rerr != nil {
				b.stale = true
				return nil, false, true, rerr
			}
			if res.Present {
				got, gotPresent = res.Msg, true
			} else {
				b.readDone = true
			}
		}
		if b.readDone {
			if !skipFinishCheck && !b.closeDone {
				// Stream drained; the terminal status is still in flight.
				return nil, false, false, nil
			}
			b.stale = true
			return nil, false, true, nil
		}
		f, serr := sc.startRecv()
		if serr != nil {
			b.stale = true
			return nil, false, true, serr
		}
		b.msgF, b.msgFSet = f, true
		if gotPresent {
			return got, true, true, nil
		}
		// First receive just started; loop to park the waker on it.
	}
}

// cancel stops the call unless the stream already ran to completion.
func (b *streamingBase) cancel(sc *ShareCall) {
	if b.stale || b.readDone {
		return
	}
	sc.Cancel()
}

// sinkBase drives the send side of a streaming call: at most one write in
// flight, with explicit not-ready backpressure.
type sinkBase struct {
	writeF   BatchFuture
	inFlight bool
}

// startSend submits one message. It reports accepted=false when a previous
// write is still in flight; poll the flush and retry.
func (b *sinkBase) startSend(sc *ShareCall, msg []byte, flags WriteFlags) (accepted bool, err error) {
	if b.inFlight {
		return false, nil
	}
	f, err := sc.with(func(c *Call) (BatchFuture, error) { return c.startSendMessage(msg, flags) })
	if err != nil {
		return false, err
	}
	b.writeF, b.inFlight = f, true
	return true, nil
}

// pollFlush resolves the in-flight write, if any.
func (b *sinkBase) pollFlush(w Waker) (ready bool, err error) {
	if !b.inFlight {
		return true, nil
	}
	_, rdy, werr := b.writeF.Poll(w)
	if !rdy {
		return false, nil
	}
	b.inFlight = false
	return true, werr
}
