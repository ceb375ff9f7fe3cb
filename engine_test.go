package cqrpc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	echoMethod = Method[*wrapperspb.StringValue, *wrapperspb.StringValue]{
		Name:  "/test.Echo/Echo",
		Shape: Unary,
		Req:   ProtoMarshaller[wrapperspb.StringValue](),
		Resp:  ProtoMarshaller[wrapperspb.StringValue](),
	}
	sumMethod = Method[*wrapperspb.Int64Value, *wrapperspb.Int64Value]{
		Name:  "/test.Math/Sum",
		Shape: ClientStreaming,
		Req:   ProtoMarshaller[wrapperspb.Int64Value](),
		Resp:  ProtoMarshaller[wrapperspb.Int64Value](),
	}
	countMethod = Method[*wrapperspb.Int64Value, *wrapperspb.Int64Value]{
		Name:  "/test.Math/Count",
		Shape: ServerStreaming,
		Req:   ProtoMarshaller[wrapperspb.Int64Value](),
		Resp:  ProtoMarshaller[wrapperspb.Int64Value](),
	}
	pingMethod = Method[*wrapperspb.Int64Value, *wrapperspb.Int64Value]{
		Name:  "/test.Math/Ping",
		Shape: Duplex,
		Req:   ProtoMarshaller[wrapperspb.Int64Value](),
		Resp:  ProtoMarshaller[wrapperspb.Int64Value](),
	}
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestEnv(t *testing.T) *Environment {
	env := NewEnvironment(2)
	t.Cleanup(env.Shutdown)
	return env
}

func startTestServer(t *testing.T, env *Environment, svc Service) *Server {
	t.Helper()
	srv := NewServerBuilder(env).
		RegisterService(svc).
		RequestSlotsPerCQ(8).
		Build()
	srv.Start()
	return srv
}

func TestUnaryCall_roundTrip(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		if err := sink.Success(wrapperspb.String("hello " + req.GetValue())); err != nil {
			t.Error(err)
		}
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("world"))
	require.NoError(t, err)
	resp, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello world", resp.GetValue())
}

// A receiver whose response was already consumed reports stale on the next
// poll, not a phantom missing-message error.
func TestUnaryCall_repollAfterConsumeIsStale(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		_ = sink.Success(req)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"))
	require.NoError(t, err)
	resp, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", resp.GetValue())

	_, err = r.Wait(ctx)
	require.ErrorIs(t, err, ErrFutureStale)
}

func TestUnaryCall_handlerFail(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, _ *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		if err := sink.Fail(NewStatus(codes.PermissionDenied, "nope")); err != nil {
			t.Error(err)
		}
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"))
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.PermissionDenied, rpcErr.Status.Code)
	require.Equal(t, "nope", rpcErr.Status.Detail)
}

func TestUnaryCall_unknownMethod(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	srv := startTestServer(t, env, NewServiceBuilder().Build())
	ch := NewChannel(env, srv)

	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"))
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.Unimplemented, rpcErr.Status.Code)
}

func TestUnaryCall_deadlineSurfacedToHandler(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	deadlines := make(chan time.Time, 1)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(rctx *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		deadlines <- rctx.Deadline()
		_ = sink.Success(req)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	before := time.Now()
	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"), WithTimeout(time.Minute))
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)
	d := <-deadlines
	require.False(t, d.IsZero())
	require.True(t, d.After(before))
	require.True(t, d.Before(before.Add(2*time.Minute)))
}

func TestClientStreaming_sum(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddClientStreamingHandler(b, sumMethod, func(rctx *RpcContext, stream *RequestStream[*wrapperspb.Int64Value], sink *ClientStreamingSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		var total int64
		for {
			v, ok, err := stream.Recv(hctx)
			if err != nil {
				_ = sink.Fail(NewStatus(codes.Internal, err.Error()))
				return
			}
			if !ok {
				break
			}
			total += v.GetValue()
		}
		_ = sink.Success(wrapperspb.Int64(total))
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	sink, recv, err := ClientStreamingCall(ch, sumMethod)
	require.NoError(t, err)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, sink.Send(ctx, wrapperspb.Int64(i)))
	}
	require.NoError(t, sink.CloseSend(ctx))
	resp, err := recv.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(55), resp.GetValue())
}

// Buffer-hinted writes must stay invisible to the peer until the
// half-close flushes them.
func TestClientStreaming_bufferHint(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	firstRecv := make(chan struct{})
	b := NewServiceBuilder()
	AddClientStreamingHandler(b, sumMethod, func(rctx *RpcContext, stream *RequestStream[*wrapperspb.Int64Value], sink *ClientStreamingSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		var n int64
		for {
			_, ok, err := stream.Recv(hctx)
			if err != nil {
				_ = sink.Fail(NewStatus(codes.Internal, err.Error()))
				return
			}
			if n == 0 {
				close(firstRecv)
			}
			if !ok {
				break
			}
			n++
		}
		_ = sink.Success(wrapperspb.Int64(n))
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	sink, recv, err := ClientStreamingCall(ch, sumMethod)
	require.NoError(t, err)
	hint := WriteFlags{BufferHint: true}
	for i := 0; i < 3000; i++ {
		require.NoError(t, sink.SendWithFlags(ctx, wrapperspb.Int64(int64(i)), hint))
	}
	select {
	case <-firstRecv:
		t.Fatal("buffered message became visible before the half-close")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, sink.CloseSend(ctx))
	resp, err := recv.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3000), resp.GetValue())
}

// Responses buffered on the server must all be delivered, in order, before
// end-of-stream even though the terminal status was already sent.
func TestServerStreaming_orderedDrainBeforeClose(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddServerStreamingHandler(b, countMethod, func(rctx *RpcContext, req *wrapperspb.Int64Value, sink *ServerStreamingSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		hint := WriteFlags{BufferHint: true}
		for i := int64(1); i <= req.GetValue(); i++ {
			if err := sink.SendWithFlags(hctx, wrapperspb.Int64(i), hint); err != nil {
				t.Error(err)
				return
			}
		}
		_ = sink.Close(hctx)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	const n = 100
	stream, err := ServerStreamingCall(ch, countMethod, wrapperspb.Int64(n))
	require.NoError(t, err)
	var got []int64
	for {
		v, ok, err := stream.Recv(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.GetValue())
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i+1), v)
	}

	// the stream is exhausted; polling past end-of-stream is stale
	_, _, err = stream.Recv(ctx)
	require.ErrorIs(t, err, ErrFutureStale)
}

// A reader that only starts after the server has fully closed still sees
// every buffered message, then end-of-stream: the terminal status must not
// cut off the drain.
func TestServerStreaming_drainAfterServerClose(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	closed := make(chan struct{})
	b := NewServiceBuilder()
	AddServerStreamingHandler(b, countMethod, func(rctx *RpcContext, req *wrapperspb.Int64Value, sink *ServerStreamingSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		sink.SetBufferHint(true)
		for i := int64(1); i <= req.GetValue(); i++ {
			if err := sink.Send(hctx, wrapperspb.Int64(i)); err != nil {
				t.Error(err)
				return
			}
		}
		if err := sink.Close(hctx); err != nil {
			t.Error(err)
		}
		close(closed)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	const n = 5
	stream, err := ServerStreamingCall(ch, countMethod, wrapperspb.Int64(n))
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished closing")
	}

	var got []int64
	for {
		v, ok, err := stream.Recv(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.GetValue())
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i+1), v)
	}
}

func TestDuplex_echo(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddDuplexHandler(b, pingMethod, func(rctx *RpcContext, stream *RequestStream[*wrapperspb.Int64Value], sink *DuplexSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		for {
			v, ok, err := stream.Recv(hctx)
			if err != nil {
				_ = sink.Fail(NewStatus(codes.Internal, err.Error()))
				return
			}
			if !ok {
				_ = sink.Close(hctx)
				return
			}
			if err := sink.Send(hctx, v); err != nil {
				t.Error(err)
				return
			}
		}
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	sink, stream, err := DuplexCall(ch, pingMethod)
	require.NoError(t, err)

	const n = 50
	var eg errgroup.Group
	eg.Go(func() error {
		for i := int64(0); i < n; i++ {
			if err := sink.Send(ctx, wrapperspb.Int64(i)); err != nil {
				return err
			}
		}
		return sink.CloseSend(ctx)
	})
	var got []int64
	for {
		v, ok, err := stream.Recv(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.GetValue())
	}
	require.NoError(t, eg.Wait())
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i), v)
	}
}

// Cancelling the client side must surface as a remote stop on the server.
func TestDuplex_clientCancelStopsServer(t *testing.T) {
	env := newTestEnv(t)
	serverErr := make(chan error, 1)
	b := NewServiceBuilder()
	AddDuplexHandler(b, pingMethod, func(rctx *RpcContext, stream *RequestStream[*wrapperspb.Int64Value], sink *DuplexSink[*wrapperspb.Int64Value]) {
		hctx := testContext(t)
		_, _, err := stream.Recv(hctx)
		serverErr <- err
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	_, stream, err := DuplexCall(ch, pingMethod)
	require.NoError(t, err)
	stream.Cancel()

	select {
	case err := <-serverErr:
		require.ErrorIs(t, err, ErrRemoteStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the cancellation")
	}
}

// Once a call is known to have finished, further operations through the
// shared handle fail fast without touching the transport.
func TestDuplex_failFastAfterFinish(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddDuplexHandler(b, pingMethod, func(rctx *RpcContext, _ *RequestStream[*wrapperspb.Int64Value], sink *DuplexSink[*wrapperspb.Int64Value]) {
		_ = sink.Fail(NewStatus(codes.Aborted, "going away"))
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	sink, stream, err := DuplexCall(ch, pingMethod)
	require.NoError(t, err)

	_, _, err = stream.Recv(ctx)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.Aborted, rpcErr.Status.Code)

	err = sink.Send(ctx, wrapperspb.Int64(1))
	var finished *CallFinishedError
	require.True(t, errors.As(err, &finished))
	require.Equal(t, codes.Aborted, finished.Status.Code)
}

func TestServer_shutdown(t *testing.T) {
	ctx := testContext(t)
	env := newTestEnv(t)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		_ = sink.Success(req)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)

	require.NoError(t, srv.Shutdown(ctx))

	r, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"))
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.Unavailable, rpcErr.Status.Code)
}

// Submissions against a shut-down environment fail synchronously, in a
// distinguishable way.
func TestEnvironment_shutdownFailsSubmissions(t *testing.T) {
	env := NewEnvironment(1)
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		_ = sink.Success(req)
	})
	srv := startTestServer(t, env, b.Build())
	ch := NewChannel(env, srv)
	env.Shutdown()

	_, err := UnaryCall(ch, echoMethod, wrapperspb.String("x"))
	var sub *SubmissionError
	require.True(t, errors.As(err, &sub))
	require.ErrorIs(t, err, ErrQueueShutdown)
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestEnvironment_logging(t *testing.T) {
	var out lockedWriter
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&out)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	env := NewEnvBuilder().
		CQCount(1).
		Logger(logger).
		Build()
	b := NewServiceBuilder()
	AddUnaryHandler(b, echoMethod, func(_ *RpcContext, req *wrapperspb.StringValue, sink *UnarySink[*wrapperspb.StringValue]) {
		_ = sink.Success(req)
	})
	startTestServer(t, env, b.Build())
	env.Shutdown()

	logs := out.String()
	require.True(t, strings.Contains(logs, "poller started"), logs)
	require.True(t, strings.Contains(logs, "poller stopped"), logs)
	require.True(t, strings.Contains(logs, "server started"), logs)
}
