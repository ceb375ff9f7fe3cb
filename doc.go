// Package cqrpc is an asynchronous RPC call engine built around completion
// queues.
//
// An [Environment] runs one poller goroutine per completion queue. Every
// asynchronous operation registers an opaque tag with its queue and hands
// back a [BatchFuture]; the poller drains completion events, maps each tag
// back to its promise, and resolves it exactly once. Futures can be
// consumed by blocking (Wait) or polled, and an embedded [Executor] drives
// spawned [Future] values directly on the poller goroutines.
//
// Calls come in the four usual shapes (see [MethodShape]). The streaming
// shapes share one call handle between their stream and sink halves via
// [ShareCall], which fail-fasts every operation once the call reaches its
// terminal status.
//
// The transport itself is an in-process rendezvous: a [Server] parks
// accept slots on its queues and a [Channel] delivers calls straight into
// them.
package cqrpc
