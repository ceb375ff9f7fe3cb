package cqrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrFutureStale is reported when an already-resolved future is polled
	// again. Futures resolve exactly once; re-polling is a caller bug, but
	// streaming compositions that mistakenly re-poll get a distinguishable
	// error instead of a hang.
	ErrFutureStale = errors.New("cqrpc: future already resolved")

	// ErrRemoteStopped is reported when the peer ended the call while an
	// operation was outstanding.
	ErrRemoteStopped = errors.New("cqrpc: remote peer stopped the call")

	// ErrQueueShutdown is reported when an operation is submitted after the
	// owning completion queue began shutting down.
	ErrQueueShutdown = errors.New("cqrpc: completion queue shut down")

	// ErrSinkBusy is reported by a sink send while a previous write is
	// still in flight. Backpressure is explicit: retry after the pending
	// write's future resolves.
	ErrSinkBusy = errors.New("cqrpc: previous write still in flight")

	// ErrResponseSent is reported when a server sink is used after it has
	// already delivered the call's response or terminal status.
	ErrResponseSent = errors.New("cqrpc: response already sent")

	// ErrShutdownFailed is reported when server shutdown could not
	// complete.
	ErrShutdownFailed = errors.New("cqrpc: shutdown failed")
)

// RpcError carries a non-OK terminal status. It is the normal way an RPC
// failure reaches the caller; it is never a panic.
type RpcError struct {
	Status RpcStatus
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("cqrpc: rpc failed: %s", e.Status)
}

// CallFinishedError is reported when an operation is attempted on a call
// that already reached its terminal state. Status is the recorded terminal
// status; no native operation was issued.
type CallFinishedError struct {
	Status RpcStatus
}

func (e *CallFinishedError) Error() string {
	return fmt.Sprintf("cqrpc: call already finished, last status = %s", e.Status)
}

// SubmissionError is reported when the native layer rejected an operation
// synchronously. Submission and completion are distinct failure domains:
// a submission failure means the tag never reached the poller and its
// resources were reclaimed immediately.
type SubmissionError struct {
	Err error
	Op  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("cqrpc: failed to start %s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// CodecError wraps a serialization or deserialization failure. On the
// server receive path it aborts the call with an Internal status rather
// than propagating as a panic.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("cqrpc: codec: %v", e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
