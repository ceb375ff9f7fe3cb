package cqrpc

import (
	"context"
	"runtime"
	"time"

	"github.com/joeycumines/go-cqrpc/internal/core"
	"google.golang.org/grpc/codes"
)

// Channel issues calls against a server. All calls created through one
// channel resolve on the same completion queue.
type Channel struct {
	core *core.Channel
	cq   *CompletionQueue
}

// NewChannel connects a channel to srv using one of env's queues.
func NewChannel(env *Environment, srv *Server) *Channel {
	cq := env.PickCQ()
	return &Channel{core: core.NewChannel(srv.core, cq.core), cq: cq}
}

type callOptions struct {
	timeout time.Duration
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

// WithTimeout sets the call's deadline relative to now. The deadline is
// surfaced to the server handler; zero means none.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func (ch *Channel) createCall(name string, opts []CallOption) Call {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	var deadline time.Time
	if o.timeout > 0 {
		deadline = time.Now().Add(o.timeout)
	}
	return Call{raw: ch.core.CreateCall(name, deadline), cq: ch.cq}
}

// UnaryReceiver resolves with the single response of a unary or
// client-streaming call.
type UnaryReceiver[Resp any] struct {
	sc   *ShareCall
	de   func([]byte) (Resp, error)
	done bool
}

// Poll checks for the response. Ready with a nil error means resp is valid;
// polling again after the outcome was consumed reports ErrFutureStale.
func (r *UnaryReceiver[Resp]) Poll(w Waker) (resp Resp, ready bool, err error) {
	if r.done {
		return resp, true, ErrFutureStale
	}
	res, ready, err := r.sc.pollFinish(w)
	if !ready {
		return resp, false, nil
	}
	r.done = true
	if err != nil {
		return resp, true, err
	}
	if !res.Present {
		return resp, true, &RpcError{Status: NewStatus(codes.Internal, "missing response message")}
	}
	resp, err = r.de(res.Msg)
	return resp, true, err
}

// Wait blocks for the response. Cancelling ctx abandons the wait but not
// the call; use Cancel for that.
func (r *UnaryReceiver[Resp]) Wait(ctx context.Context) (Resp, error) {
	w := newChanWaker()
	for {
		resp, ready, err := r.Poll(w)
		if ready {
			return resp, err
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			var zero Resp
			return zero, ctx.Err()
		}
	}
}

// Cancel stops the call. A no-op once it has finished.
func (r *UnaryReceiver[Resp]) Cancel() { r.sc.Cancel() }

// MessageStream is the receiving half of a server-streaming or duplex call.
// It is not safe for concurrent receives.
type MessageStream[Resp any] struct {
	sc   *ShareCall
	de   func([]byte) (Resp, error)
	base streamingBase
}

// PollRecv checks for the next message. present=false with a nil error is
// end-of-stream; polling past it reports ErrFutureStale.
func (s *MessageStream[Resp]) PollRecv(w Waker) (resp Resp, present, ready bool, err error) {
	msg, present, ready, err := s.base.pollRead(w, s.sc, false)
	if !ready || err != nil || !present {
		return resp, false, ready, err
	}
	resp, err = s.de(msg)
	if err != nil {
		return resp, false, true, err
	}
	return resp, true, true, nil
}

// Recv blocks for the next message. ok=false with a nil error is
// end-of-stream.
func (s *MessageStream[Resp]) Recv(ctx context.Context) (resp Resp, ok bool, err error) {
	w := newChanWaker()
	for {
		resp, present, ready, err := s.PollRecv(w)
		if ready {
			return resp, present, err
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			var zero Resp
			return zero, false, ctx.Err()
		}
	}
}

// Cancel stops the call. A no-op once the stream has fully drained.
func (s *MessageStream[Resp]) Cancel() { s.base.cancel(s.sc) }

// StreamingSink is the sending half of a client-streaming or duplex call.
// It is not safe for concurrent sends.
type StreamingSink[Req any] struct {
	sc        *ShareCall
	ser       func(Req) ([]byte, error)
	closeF    BatchFuture
	base      sinkBase
	closeFSet bool
	buffered  bool
}

// SetBufferHint forces the buffer hint on every subsequent send. Buffered
// messages become visible to the peer no later than CloseSend.
func (s *StreamingSink[Req]) SetBufferHint(buffered bool) { s.buffered = buffered }

// Send serializes and submits one message, blocking while a previous write
// is still in flight.
func (s *StreamingSink[Req]) Send(ctx context.Context, req Req) error {
	return s.SendWithFlags(ctx, req, WriteFlags{})
}

// SendWithFlags is Send with per-message write flags.
func (s *StreamingSink[Req]) SendWithFlags(ctx context.Context, req Req, flags WriteFlags) error {
	if s.buffered {
		flags.BufferHint = true
	}
	msg, err := s.ser(req)
	if err != nil {
		return err
	}
	w := newChanWaker()
	for {
		ready, err := s.base.pollFlush(w)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	accepted, err := s.base.startSend(s.sc, msg, flags)
	if err != nil {
		return err
	}
	if !accepted {
		return ErrSinkBusy
	}
	return nil
}

// TrySend submits one message without blocking, reporting ErrSinkBusy while
// a previous write is still unresolved.
func (s *StreamingSink[Req]) TrySend(req Req, flags WriteFlags) error {
	if s.buffered {
		flags.BufferHint = true
	}
	msg, err := s.ser(req)
	if err != nil {
		return err
	}
	accepted, err := s.base.startSend(s.sc, msg, flags)
	if err != nil {
		return err
	}
	if !accepted {
		return ErrSinkBusy
	}
	return nil
}

// CloseSend half-closes the sending side: the in-flight write (if any) is
// flushed first, then the half-close itself is confirmed. Buffered writes
// become visible to the peer no later than the half-close.
func (s *StreamingSink[Req]) CloseSend(ctx context.Context) error {
	w := newChanWaker()
	for {
		ready, err := s.base.pollFlush(w)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !s.closeFSet {
		f, err := s.sc.with(func(c *Call) (BatchFuture, error) { return c.startSendCloseClient() })
		if err != nil {
			return err
		}
		s.closeF, s.closeFSet = f, true
	}
	for {
		_, ready, err := s.closeF.Poll(w)
		if ready {
			return err
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel stops the call.
func (s *StreamingSink[Req]) Cancel() { s.sc.Cancel() }

// UnaryCall sends req and returns a receiver for the single response.
func UnaryCall[Req, Resp any](ch *Channel, m Method[Req, Resp], req Req, opts ...CallOption) (*UnaryReceiver[Resp], error) {
	payload, err := m.Req.Serialize(req)
	if err != nil {
		return nil, err
	}
	call := ch.createCall(m.Name, opts)
	f, err := call.startUnary(payload)
	if err != nil {
		call.Cancel()
		return nil, err
	}
	r := &UnaryReceiver[Resp]{sc: newShareCall(call, f), de: m.Resp.Deserialize}
	// Dropping the receiver without waiting must not leak the call.
	runtime.SetFinalizer(r, func(r *UnaryReceiver[Resp]) { r.sc.Cancel() })
	return r, nil
}

// ClientStreamingCall opens a client-streaming call: a sink for requests
// and a receiver for the single response, which resolves after CloseSend.
func ClientStreamingCall[Req, Resp any](ch *Channel, m Method[Req, Resp], opts ...CallOption) (*StreamingSink[Req], *UnaryReceiver[Resp], error) {
	call := ch.createCall(m.Name, opts)
	f, err := call.startClientStreaming()
	if err != nil {
		call.Cancel()
		return nil, nil, err
	}
	sc := newShareCall(call, f)
	sink := &StreamingSink[Req]{sc: sc, ser: m.Req.Serialize}
	r := &UnaryReceiver[Resp]{sc: sc, de: m.Resp.Deserialize}
	runtime.SetFinalizer(r, func(r *UnaryReceiver[Resp]) { r.sc.Cancel() })
	return sink, r, nil
}

// ServerStreamingCall sends req and returns the response stream.
func ServerStreamingCall[Req, Resp any](ch *Channel, m Method[Req, Resp], req Req, opts ...CallOption) (*MessageStream[Resp], error) {
	payload, err := m.Req.Serialize(req)
	if err != nil {
		return nil, err
	}
	call := ch.createCall(m.Name, opts)
	f, err := call.startServerStreaming(payload)
	if err != nil {
		call.Cancel()
		return nil, err
	}
	s := &MessageStream[Resp]{sc: newShareCall(call, f), de: m.Resp.Deserialize}
	runtime.SetFinalizer(s, func(s *MessageStream[Resp]) { s.Cancel() })
	return s, nil
}

// DuplexCall opens a bidirectional call: a sink for requests and a stream
// of responses, both backed by one shared call handle.
func DuplexCall[Req, Resp any](ch *Channel, m Method[Req, Resp], opts ...CallOption) (*StreamingSink[Req], *MessageStream[Resp], error) {
	call := ch.createCall(m.Name, opts)
	f, err := call.startDuplexStreaming()
	if err != nil {
		call.Cancel()
		return nil, nil, err
	}
	sc := newShareCall(call, f)
	sink := &StreamingSink[Req]{sc: sc, ser: m.Req.Serialize}
	s := &MessageStream[Resp]{sc: sc, de: m.Resp.Deserialize}
	runtime.SetFinalizer(s, func(s *MessageStream[Resp]) { s.Cancel() })
	return sink, s, nil
}
