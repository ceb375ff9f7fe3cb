package cqrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestBatchFuture_resolveBeforePoll(t *testing.T) {
	b, f := newBatch(BatchFinish)
	b.resolve(true)
	res, ready, err := f.Poll(newChanWaker())
	require.True(t, ready)
	require.NoError(t, err)
	require.False(t, res.Present)
}

func TestBatchFuture_wakesParkedWaker(t *testing.T) {
	b, f := newBatch(BatchRead)
	w := newChanWaker()
	_, ready, err := f.Poll(w)
	require.False(t, ready)
	require.NoError(t, err)

	b.res.Msg = []byte("x")
	b.res.MsgPresent = true
	go b.resolve(true)

	select {
	case <-w.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("waker never woken")
	}
	res, ready, err := f.Poll(w)
	require.True(t, ready)
	require.NoError(t, err)
	require.True(t, res.Present)
	require.Equal(t, []byte("x"), res.Msg)
}

func TestBatchFuture_staleAfterConsume(t *testing.T) {
	b, f := newBatch(BatchFinish)
	b.resolve(true)
	_, ready, err := f.Poll(newChanWaker())
	require.True(t, ready)
	require.NoError(t, err)

	_, ready, err = f.Poll(newChanWaker())
	require.True(t, ready)
	require.ErrorIs(t, err, ErrFutureStale)
}

func TestBatchFuture_waitContextCancel(t *testing.T) {
	_, f := newBatch(BatchFinish)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatch_finishRemoteStopped(t *testing.T) {
	b, f := newBatch(BatchFinish)
	b.resolve(false)
	_, _, err := f.Poll(newChanWaker())
	require.ErrorIs(t, err, ErrRemoteStopped)
}

func TestBatch_finishNonOKStatus(t *testing.T) {
	b, f := newBatch(BatchFinish)
	b.res.StatusCode = codes.PermissionDenied
	b.res.StatusDetail = "nope"
	b.res.StatusSet = true
	b.resolve(true)
	_, _, err := f.Poll(newChanWaker())
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.PermissionDenied, rpcErr.Status.Code)
	require.Equal(t, "nope", rpcErr.Status.Detail)
}

func TestBatch_readEndOfStream(t *testing.T) {
	b, f := newBatch(BatchRead)
	b.resolve(true)
	res, ready, err := f.Poll(newChanWaker())
	require.True(t, ready)
	require.NoError(t, err)
	require.False(t, res.Present)
}

func TestBatch_checkReadChecksStatusFirst(t *testing.T) {
	b, f := newBatch(BatchCheckRead)
	b.res.Msg = []byte("ignored")
	b.res.MsgPresent = true
	b.res.StatusCode = codes.Internal
	b.res.StatusSet = true
	b.resolve(true)
	_, _, err := f.Poll(newChanWaker())
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codes.Internal, rpcErr.Status.Code)
}

func TestBatch_resolveTwicePanics(t *testing.T) {
	b, _ := newBatch(BatchFinish)
	b.resolve(true)
	require.Panics(t, func() { b.inner.set(BatchResult{}) })
}
