package cqrpc

import (
	"runtime"

	"github.com/petermattis/goid"
)

// goroutineID returns the calling goroutine's id, always nonzero. goid's
// fast path reads it straight off the runtime g struct; on a toolchain it
// carries no offsets for it reports 0, in which case the id is parsed out
// of the runtime.Stack header instead.
func goroutineID() int64 {
	if id := goid.Get(); id != 0 {
		return id
	}
	return stackGoroutineID()
}

// stackGoroutineID parses the "goroutine N [status]:" header written by
// runtime.Stack. The header format is load-bearing for several widely used
// libraries and has been stable since Go 1.
func stackGoroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = b[len("goroutine "):]
	var id int64
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	if id == 0 {
		panic("cqrpc: failed to parse goroutine id")
	}
	return id
}
