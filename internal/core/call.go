package core

import (
	"sync"

	"google.golang.org/grpc/codes"
)

// BatchResults is the scratch buffer one batch operation writes its results
// into before its tag is completed: the received message (if any) and the
// terminal status (if the operation carries one). It is owned by whoever
// owns the tag; the fields are only safe to read after the tag's completion
// event has been observed.
type BatchResults struct {
	Msg          []byte
	StatusDetail string
	StatusCode   codes.Code
	MsgPresent   bool
	StatusSet    bool
}

type side uint8

const (
	sideClient side = iota
	sideServer
)

// statusWaiter is a parked terminal-status watch: StartUnary,
// StartClientStreaming, StartServerStreaming, StartDuplexStreaming and
// StartServerSide all park one of these.
type statusWaiter struct {
	res     *BatchResults
	q       *Queue
	tag     uint64
	wantMsg bool
	// omitStatus reports the terminal status as OK regardless of what the
	// peer sent. The server's close watch sets it: the server chose its own
	// status, so only cancellation (success=false) is interesting there.
	omitStatus bool
}

// rpc is the state shared by the two halves of one in-flight call.
type rpc struct {
	mu        sync.Mutex
	requests  halfStream // client → server
	responses halfStream // server → client
	// hinted writes coalesce here until something flushes them
	clientPend [][]byte
	serverPend [][]byte
	watchers   []*statusWaiter
	statusCode codes.Code
	statusMsg  string
	finished   bool
	cancelled  bool
}

// Call is one half of an RPC's native handle, bound to exactly one
// completion queue for its lifetime.
type Call struct {
	rpc  *rpc
	q    *Queue
	side side
}

func (c *Call) out() *halfStream {
	if c.side == sideClient {
		return &c.rpc.requests
	}
	return &c.rpc.responses
}

func (c *Call) in() *halfStream {
	if c.side == sideClient {
		return &c.rpc.responses
	}
	return &c.rpc.requests
}

func (c *Call) pend() *[][]byte {
	if c.side == sideClient {
		return &c.rpc.clientPend
	}
	return &c.rpc.serverPend
}

// flushLocked moves coalesced hinted writes into the outgoing stream.
func (c *Call) flushLocked() {
	pend := c.pend()
	for _, msg := range *pend {
		c.out().send(msg)
	}
	*pend = nil
}

// setStatusLocked fixes the terminal status and completes every parked
// status watch. success=false marks a transport-level stop (cancellation)
// rather than an RPC-level status.
func (c *Call) setStatusLocked(code codes.Code, detail string, success bool) {
	r := c.rpc
	if r.finished {
		return
	}
	r.finished = true
	r.statusCode = code
	r.statusMsg = detail
	for _, w := range r.watchers {
		if w.wantMsg && len(r.responses.buf) > 0 {
			w.res.Msg = r.responses.buf[0]
			w.res.MsgPresent = true
			r.responses.buf[0] = nil
			r.responses.buf = r.responses.buf[1:]
		}
		if w.omitStatus {
			w.res.StatusCode = codes.OK
		} else {
			w.res.StatusCode = code
			w.res.StatusDetail = detail
		}
		w.res.StatusSet = true
		w.q.complete(w.tag, success)
	}
	r.watchers = nil
}

// watchLocked parks a terminal-status watch, completing immediately if the
// call already finished.
func (c *Call) watchLocked(w *statusWaiter) {
	r := c.rpc
	if r.finished {
		if w.wantMsg && len(r.responses.buf) > 0 {
			w.res.Msg = r.responses.buf[0]
			w.res.MsgPresent = true
			r.responses.buf[0] = nil
			r.responses.buf = r.responses.buf[1:]
		}
		if w.omitStatus {
			w.res.StatusCode = codes.OK
		} else {
			w.res.StatusCode = r.statusCode
			w.res.StatusDetail = r.statusMsg
		}
		w.res.StatusSet = true
		w.q.complete(w.tag, !r.cancelled)
		return
	}
	r.watchers = append(r.watchers, w)
}

// SendMessage submits one outgoing message. With bufferHint the message is
// coalesced in the call's write buffer and only reaches the peer when a
// later unhinted write, half-close, or terminal status flushes it; the tag
// still completes as soon as the message is accepted.
func (c *Call) SendMessage(res *BatchResults, msg []byte, bufferHint bool, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if c.rpc.finished {
		c.q.complete(tag, false)
		return nil
	}
	if bufferHint {
		pend := c.pend()
		*pend = append(*pend, msg)
		c.q.complete(tag, true)
		return nil
	}
	c.flushLocked()
	ok := c.out().send(msg)
	c.q.complete(tag, ok)
	return nil
}

// SendCloseFromClient half-closes the client side: any coalesced writes are
// flushed, then the request stream ends cleanly.
func (c *Call) SendCloseFromClient(res *BatchResults, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if c.rpc.finished {
		c.q.complete(tag, false)
		return nil
	}
	c.flushLocked()
	c.rpc.requests.close(false)
	c.q.complete(tag, true)
	return nil
}

// RecvMessage submits a receive for the next incoming message. The tag
// completes with MsgPresent=false at end-of-stream, and with success=false
// if the peer stopped the call.
func (c *Call) RecvMessage(res *BatchResults, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	c.in().recv(&recvWaiter{res: res, q: c.q, tag: tag})
	return nil
}

// StartServerSide is the server's close watch: the tag completes when the
// call reaches its terminal state, with success=false if the client
// stopped the call rather than the server finishing it.
func (c *Call) StartServerSide(res *BatchResults, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	c.watchLocked(&statusWaiter{res: res, q: c.q, tag: tag, omitStatus: true})
	return nil
}

// SendStatusFromServer ends the call with a terminal status and an optional
// final payload. The payload (and any coalesced server writes) are
// delivered before the status becomes observable, so a reader that still
// has buffered messages drains them first.
func (c *Call) SendStatusFromServer(res *BatchResults, code codes.Code, detail string, payload []byte, hasPayload bool, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if c.rpc.finished {
		c.q.complete(tag, false)
		return nil
	}
	c.flushLocked()
	if hasPayload {
		c.rpc.responses.send(payload)
	}
	c.rpc.responses.close(false)
	c.setStatusLocked(code, detail, true)
	c.q.complete(tag, true)
	return nil
}

// StartUnary performs the coupled unary client shape: send the request,
// half-close, and complete the tag once the terminal status arrives,
// carrying at most one response message.
func (c *Call) StartUnary(res *BatchResults, msg []byte, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if !c.rpc.finished {
		c.flushLocked()
		c.out().send(msg)
		c.rpc.requests.close(false)
	}
	c.watchLocked(&statusWaiter{res: res, q: c.q, tag: tag, wantMsg: true})
	return nil
}

// StartClientStreaming completes the tag once the terminal status arrives,
// carrying at most one response message. Requests flow separately through
// SendMessage / SendCloseFromClient.
func (c *Call) StartClientStreaming(res *BatchResults, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	c.watchLocked(&statusWaiter{res: res, q: c.q, tag: tag, wantMsg: true})
	return nil
}

// StartServerStreaming sends the request, half-closes, and completes the
// tag once the terminal status arrives. Response messages flow separately
// through RecvMessage.
func (c *Call) StartServerStreaming(res *BatchResults, msg []byte, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if !c.rpc.finished {
		c.flushLocked()
		c.out().send(msg)
		c.rpc.requests.close(false)
	}
	c.watchLocked(&statusWaiter{res: res, q: c.q, tag: tag})
	return nil
}

// StartDuplexStreaming completes the tag once the terminal status arrives.
// Both directions flow separately.
func (c *Call) StartDuplexStreaming(res *BatchResults, tag uint64) error {
	if err := c.q.register(); err != nil {
		return err
	}
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	c.watchLocked(&statusWaiter{res: res, q: c.q, tag: tag})
	return nil
}

// Cancel stops the call. Idempotent; a no-op once the call has finished.
// Parked operations on both halves complete with success=false.
func (c *Call) Cancel() {
	c.rpc.mu.Lock()
	defer c.rpc.mu.Unlock()
	if c.rpc.finished {
		return
	}
	c.rpc.cancelled = true
	c.rpc.requests.close(true)
	c.rpc.responses.close(true)
	c.setStatusLocked(codes.Canceled, "call cancelled", false)
}

// newRPC builds the shared state plus the client half bound to q.
func newRPC(q *Queue) (*rpc, *Call) {
	r := &rpc{}
	client := &Call{rpc: r, q: q, side: sideClient}
	q.OnShutdown(client.Cancel)
	return r, client
}
