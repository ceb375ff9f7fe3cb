package cqrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-cqrpc/internal/core"
	"google.golang.org/grpc/codes"
)

// DefaultRequestSlotsPerCQ is how many accept slots a server parks on each
// completion queue unless configured otherwise.
const DefaultRequestSlotsPerCQ = 1024

// RpcContext carries per-call information into a server handler.
type RpcContext struct {
	cq       *CompletionQueue
	deadline time.Time
	method   string
	peer     string
}

// Method returns the full method name of the call.
func (c *RpcContext) Method() string { return c.method }

// Peer returns the peer string of the call.
func (c *RpcContext) Peer() string { return c.peer }

// Deadline returns the call's deadline; the zero time means none. The
// deadline is informational: the transport does not enforce it.
func (c *RpcContext) Deadline() time.Time { return c.deadline }

// DeadlineExceeded reports whether the call's deadline has passed. Always
// false when the call has no deadline.
func (c *RpcContext) DeadlineExceeded() bool {
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// Spawn runs fut on the call's completion queue poller.
func (c *RpcContext) Spawn(fut Future) { NewExecutor(c.cq).Spawn(fut) }

// handleFunc runs a dispatched call. For the recv-first shapes (unary,
// server streaming) payload is the already-received request message; the
// streaming-request shapes get nil. Runs on its own goroutine.
type handleFunc func(rctx *RpcContext, sc *ShareCall, payload []byte)

type registeredMethod struct {
	handle handleFunc
	name   string
	shape  MethodShape
}

// Service is an immutable bundle of method handlers.
type Service struct {
	methods map[string]*registeredMethod
}

// ServiceBuilder collects method handlers; see the generic Add*Handler
// functions.
type ServiceBuilder struct {
	methods map[string]*registeredMethod
}

func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{methods: make(map[string]*registeredMethod)}
}

func (b *ServiceBuilder) add(m *registeredMethod) {
	if _, ok := b.methods[m.name]; ok {
		panic("cqrpc: duplicate handler for " + m.name)
	}
	b.methods[m.name] = m
}

// Build returns the collected service. The builder must not be reused.
func (b *ServiceBuilder) Build() Service {
	return Service{methods: b.methods}
}

// abortCall ends the call with status without involving the handler. Used
// for unknown methods and undecodable requests.
func abortCall(cq *CompletionQueue, sc *ShareCall, method string, status RpcStatus) {
	cq.logger.Debug().
		Str("method", method).
		Str("status", status.String()).
		Log("aborting call")
	if err := sendStatus(cq, sc, method, status, nil, false); err != nil {
		sc.Cancel()
	}
}

// sendStatus submits the terminal status (with an optional response
// payload) and spawns a watcher to drain the status batch and the call's
// close watch.
func sendStatus(cq *CompletionQueue, sc *ShareCall, method string, status RpcStatus, payload []byte, hasPayload bool) error {
	f, err := sc.with(func(c *Call) (BatchFuture, error) {
		return c.startSendStatusFromServer(status, payload, hasPayload)
	})
	if err != nil {
		return err
	}
	NewExecutor(cq).Spawn(&finishWatcher{cq: cq, sc: sc, f: f, method: method})
	return nil
}

// finishWatcher drains a server call's final futures: first the
// status-send batch, then the close watch. Failures are expected when the
// client went away; they are logged, not surfaced.
type finishWatcher struct {
	cq     *CompletionQueue
	sc     *ShareCall
	method string
	f      BatchFuture
	fDone  bool
}

func (t *finishWatcher) Poll(w Waker) bool {
	if !t.fDone {
		_, ready, err := t.f.Poll(w)
		if !ready {
			return false
		}
		t.fDone = true
		if err != nil {
			t.cq.logger.Debug().
				Str("method", t.method).
				Err(err).
				Log("failed to deliver status")
		}
	}
	_, ready, err := t.sc.pollFinish(w)
	if !ready {
		return false
	}
	if err != nil {
		t.cq.logger.Debug().
			Str("method", t.method).
			Err(err).
			Log("call finished abnormally")
	}
	return true
}

// UnarySink delivers the single response of a unary or client-streaming
// call. Exactly one of Success or Fail must be called, once.
type UnarySink[Resp any] struct {
	sc     *ShareCall
	cq     *CompletionQueue
	ser    func(Resp) ([]byte, error)
	method string
	used   bool
}

// Success responds with resp and an OK status.
func (s *UnarySink[Resp]) Success(resp Resp) error {
	if s.used {
		return ErrResponseSent
	}
	payload, err := s.ser(resp)
	if err != nil {
		s.used = true
		abortCall(s.cq, s.sc, s.method, NewStatus(codes.Internal, fmt.Sprintf("failed to serialize response: %v", err)))
		return err
	}
	s.used = true
	return sendStatus(s.cq, s.sc, s.method, StatusOK(), payload, true)
}

// Fail responds with a terminal status and no message.
func (s *UnarySink[Resp]) Fail(status RpcStatus) error {
	if s.used {
		return ErrResponseSent
	}
	s.used = true
	return sendStatus(s.cq, s.sc, s.method, status, nil, false)
}

// ClientStreamingSink responds to a client-streaming call; it behaves
// exactly like UnarySink.
type ClientStreamingSink[Resp any] = UnarySink[Resp]

// StreamSink sends the response stream of a server-streaming or duplex
// call. It is not safe for concurrent sends.
type StreamSink[Resp any] struct {
	sc       *ShareCall
	cq       *CompletionQueue
	ser      func(Resp) ([]byte, error)
	method   string
	base     sinkBase
	closed   bool
	buffered bool
}

// SetBufferHint forces the buffer hint on every subsequent send. Buffered
// messages become visible to the peer no later than Close.
func (s *StreamSink[Resp]) SetBufferHint(buffered bool) { s.buffered = buffered }

// ServerStreamingSink is the response sink of a server-streaming call.
type ServerStreamingSink[Resp any] = StreamSink[Resp]

// DuplexSink is the response sink of a duplex call.
type DuplexSink[Resp any] = StreamSink[Resp]

// Send serializes and submits one response message, blocking while a
// previous write is still in flight.
func (s *StreamSink[Resp]) Send(ctx context.Context, resp Resp) error {
	return s.SendWithFlags(ctx, resp, WriteFlags{})
}

// SendWithFlags is Send with per-message write flags.
func (s *StreamSink[Resp]) SendWithFlags(ctx context.Context, resp Resp, flags WriteFlags) error {
	if s.closed {
		return ErrResponseSent
	}
	if s.buffered {
		flags.BufferHint = true
	}
	msg, err := s.ser(resp)
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

// TrySend submits one message without blocking, reporting ErrSinkBusy
// while a previous write is still unresolved.
func (s *StreamSink[Resp]) TrySend(resp Resp, flags WriteFlags) error {
	if s.closed {
		return ErrResponseSent
	}
	if s.buffered {
		flags.BufferHint = true
	}
	msg, err := s.ser(resp)
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

// Close ends the call with an OK status: a strict two-phase barrier. The
// in-flight write (if any) is flushed first, then the status is sent and
// the call's close watch is awaited, so every accepted message is
// delivered before the call terminates.
func (s *StreamSink[Resp]) Close(ctx context.Context) error {
	if s.closed {
		return ErrResponseSent
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
	s.closed = true
	f, err := s.sc.with(func(c *Call) (BatchFuture, error) {
		return c.startSendStatusFromServer(StatusOK(), nil, false)
	})
	if err != nil {
		return err
	}
	if _, err := f.Wait(ctx); err != nil {
		return err
	}
	for {
		_, ready, err := s.sc.pollFinish(w)
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

// Fail ends the call with a non-OK status, without waiting for in-flight
// writes.
func (s *StreamSink[Resp]) Fail(status RpcStatus) error {
	if s.closed {
		return ErrResponseSent
	}
	s.closed = true
	return sendStatus(s.cq, s.sc, s.method, status, nil, false)
}

// RequestStream is the request stream of a client-streaming or duplex
// call. It is not safe for concurrent receives.
type RequestStream[Req any] struct {
	sc   *ShareCall
	de   func([]byte) (Req, error)
	base streamingBase
}

// PollRecv checks for the next request. present=false with a nil error is
// the client's half-close.
func (s *RequestStream[Req]) PollRecv(w Waker) (req Req, present, ready bool, err error) {
	if err := s.sc.checkAlive(); err != nil {
		return req, false, true, err
	}
	msg, present, ready, err := s.base.pollRead(w, s.sc, true)
	if !ready || err != nil || !present {
		return req, false, ready, err
	}
	req, err = s.de(msg)
	if err != nil {
		return req, false, true, err
	}
	return req, true, true, nil
}

// Recv blocks for the next request. ok=false with a nil error is the
// client's half-close.
func (s *RequestStream[Req]) Recv(ctx context.Context) (req Req, ok bool, err error) {
	w := newChanWaker()
	for {
		req, present, ready, err := s.PollRecv(w)
		if ready {
			return req, present, err
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			var zero Req
			return zero, false, ctx.Err()
		}
	}
}

// AddUnaryHandler registers h for the unary method m.
func AddUnaryHandler[Req, Resp any](b *ServiceBuilder, m Method[Req, Resp], h func(*RpcContext, Req, *UnarySink[Resp])) *ServiceBuilder {
	if m.Shape != Unary {
		panic("cqrpc: AddUnaryHandler requires a unary method")
	}
	b.add(&registeredMethod{
		name:  m.Name,
		shape: m.Shape,
		handle: func(rctx *RpcContext, sc *ShareCall, payload []byte) {
			sink := &UnarySink[Resp]{sc: sc, cq: rctx.cq, ser: m.Resp.Serialize, method: m.Name}
			req, err := m.Req.Deserialize(payload)
			if err != nil {
				abortCall(rctx.cq, sc, m.Name, NewStatus(codes.Internal, fmt.Sprintf("failed to deserialize request: %v", err)))
				return
			}
			h(rctx, req, sink)
		},
	})
	return b
}

// AddClientStreamingHandler registers h for the client-streaming method m.
func AddClientStreamingHandler[Req, Resp any](b *ServiceBuilder, m Method[Req, Resp], h func(*RpcContext, *RequestStream[Req], *ClientStreamingSink[Resp])) *ServiceBuilder {
	if m.Shape != ClientStreaming {
		panic("cqrpc: AddClientStreamingHandler requires a client-streaming method")
	}
	b.add(&registeredMethod{
		name:  m.Name,
		shape: m.Shape,
		handle: func(rctx *RpcContext, sc *ShareCall, payload []byte) {
			stream := &RequestStream[Req]{sc: sc, de: m.Req.Deserialize}
			sink := &ClientStreamingSink[Resp]{sc: sc, cq: rctx.cq, ser: m.Resp.Serialize, method: m.Name}
			h(rctx, stream, sink)
		},
	})
	return b
}

// AddServerStreamingHandler registers h for the server-streaming method m.
func AddServerStreamingHandler[Req, Resp any](b *ServiceBuilder, m Method[Req, Resp], h func(*RpcContext, Req, *ServerStreamingSink[Resp])) *ServiceBuilder {
	if m.Shape != ServerStreaming {
		panic("cqrpc: AddServerStreamingHandler requires a server-streaming method")
	}
	b.add(&registeredMethod{
		name:  m.Name,
		shape: m.Shape,
		handle: func(rctx *RpcContext, sc *ShareCall, payload []byte) {
			sink := &ServerStreamingSink[Resp]{sc: sc, cq: rctx.cq, ser: m.Resp.Serialize, method: m.Name}
			req, err := m.Req.Deserialize(payload)
			if err != nil {
				abortCall(rctx.cq, sc, m.Name, NewStatus(codes.Internal, fmt.Sprintf("failed to deserialize request: %v", err)))
				return
			}
			h(rctx, req, sink)
		},
	})
	return b
}

// AddDuplexHandler registers h for the duplex method m.
func AddDuplexHandler[Req, Resp any](b *ServiceBuilder, m Method[Req, Resp], h func(*RpcContext, *RequestStream[Req], *DuplexSink[Resp])) *ServiceBuilder {
	if m.Shape != Duplex {
		panic("cqrpc: AddDuplexHandler requires a duplex method")
	}
	b.add(&registeredMethod{
		name:  m.Name,
		shape: m.Shape,
		handle: func(rctx *RpcContext, sc *ShareCall, payload []byte) {
			stream := &RequestStream[Req]{sc: sc, de: m.Req.Deserialize}
			sink := &DuplexSink[Resp]{sc: sc, cq: rctx.cq, ser: m.Resp.Serialize, method: m.Name}
			h(rctx, stream, sink)
		},
	})
	return b
}

// ServerBuilder configures a [Server].
type ServerBuilder struct {
	env        *Environment
	methods    map[string]*registeredMethod
	slotsPerCQ int
}

func NewServerBuilder(env *Environment) *ServerBuilder {
	return &ServerBuilder{
		env:        env,
		methods:    make(map[string]*registeredMethod),
		slotsPerCQ: DefaultRequestSlotsPerCQ,
	}
}

// RegisterService adds every method of svc. Panics on a duplicate method
// name across services.
func (b *ServerBuilder) RegisterService(svc Service) *ServerBuilder {
	for name, m := range svc.methods {
		if _, ok := b.methods[name]; ok {
			panic("cqrpc: duplicate handler for " + name)
		}
		b.methods[name] = m
	}
	return b
}

// RequestSlotsPerCQ sets how many accept slots are parked per queue.
func (b *ServerBuilder) RequestSlotsPerCQ(n int) *ServerBuilder {
	if n < 1 {
		panic("cqrpc: request slot count must be positive")
	}
	b.slotsPerCQ = n
	return b
}

// Build returns the server. Call Start to begin accepting.
func (b *ServerBuilder) Build() *Server {
	return &Server{
		env:        b.env,
		core:       core.NewServer(),
		methods:    b.methods,
		slotsPerCQ: b.slotsPerCQ,
	}
}

// Server accepts calls from in-process channels and dispatches them to the
// registered handlers. Handlers run on their own goroutines; the response
// plumbing runs on the completion queue pollers.
type Server struct {
	env        *Environment
	core       *core.Server
	methods    map[string]*registeredMethod
	slotsPerCQ int
}

// Start parks the configured number of accept slots on every queue.
func (s *Server) Start() {
	for _, cq := range s.env.CompletionQueues() {
		for i := 0; i < s.slotsPerCQ; i++ {
			s.requestCallOn(cq)
		}
	}
	s.env.logger.Info().
		Int("methods", len(s.methods)).
		Log("server started")
}

// requestCallOn parks one accept slot on cq. Silently drops the slot once
// the queue is shutting down.
func (s *Server) requestCallOn(cq *CompletionQueue) {
	rc := &requestCtx{srv: s}
	id := cq.tags.put(&callTag{kind: tagRequest, request: rc})
	if err := s.core.RequestCall(cq.core, &rc.in, id); err != nil {
		cq.tags.claim(id)
	}
}

// requestCtx is one parked accept slot.
type requestCtx struct {
	srv *Server
	in  core.Incoming
}

// resolve runs on the poller when the slot fills (or fails on shutdown).
// A consumed slot is replenished before the call is dispatched so the
// number of parked slots stays constant.
func (r *requestCtx) resolve(cq *CompletionQueue, success bool) {
	if !success {
		return
	}
	r.srv.requestCallOn(cq)
	r.srv.dispatch(cq, r.in)
}

// dispatch routes an accepted call. Unknown methods are finished with
// Unimplemented; the recv-first shapes read their single request message
// before the handler is invoked.
func (s *Server) dispatch(cq *CompletionQueue, in core.Incoming) {
	call := Call{raw: in.Call, cq: cq}
	closeF, err := call.startServerSide()
	if err != nil {
		call.Cancel()
		return
	}
	sc := newShareCall(call, closeF)
	m := s.methods[in.Method]
	if m == nil {
		abortCall(cq, sc, in.Method, NewStatus(codes.Unimplemented, fmt.Sprintf("method %s not implemented", in.Method)))
		return
	}
	rctx := &RpcContext{cq: cq, method: in.Method, peer: in.Peer, deadline: in.Deadline}
	switch m.shape {
	case Unary, ServerStreaming:
		u := &unaryRequestCtx{sc: sc, rctx: rctx, m: m}
		id := cq.tags.put(&callTag{kind: tagUnaryRequest, unary: u})
		if err := in.Call.RecvMessage(&u.res, id); err != nil {
			cq.tags.claim(id)
			call.Cancel()
		}
	default:
		go m.handle(rctx, sc, nil)
	}
}

// unaryRequestCtx is the pending request-message read of a recv-first
// shape.
type unaryRequestCtx struct {
	sc   *ShareCall
	rctx *RpcContext
	m    *registeredMethod
	res  core.BatchResults
}

func (u *unaryRequestCtx) resolve(cq *CompletionQueue, success bool) {
	if !success {
		u.sc.Cancel()
		return
	}
	if !u.res.MsgPresent {
		abortCall(cq, u.sc, u.m.name, NewStatus(codes.Internal, "request message missing"))
		return
	}
	go u.m.handle(u.rctx, u.sc, u.res.Msg)
}

// AsyncShutdown begins server shutdown and returns a future that resolves
// once the server has stopped accepting. Parked accept slots drain; calls
// already dispatched run to completion.
func (s *Server) AsyncShutdown() (BatchFuture, error) {
	cq := s.env.PickCQ()
	p, f := newShutdownPromise()
	id := cq.tags.put(&callTag{kind: tagShutdown, shutdown: p})
	if err := s.core.Shutdown(cq.core, id); err != nil {
		cq.tags.claim(id)
		if errors.Is(err, core.ErrShutdown) {
			err = ErrQueueShutdown
		}
		return BatchFuture{}, &SubmissionError{Op: "shutdown", Err: err}
	}
	return f, nil
}

// Shutdown is AsyncShutdown plus a blocking wait.
func (s *Server) Shutdown(ctx context.Context) error {
	f, err := s.AsyncShutdown()
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}
