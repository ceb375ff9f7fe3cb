package cqrpc

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a reentrant spin lock sized for the very short critical
// sections around shared call state. The same goroutine may lock it
// multiple times; it is released when every Lock has been matched by an
// Unlock. It must never be held across a blocking operation.
type spinLock struct {
	locked  atomic.Bool
	owner   atomic.Int64
	holders int
}

func (l *spinLock) Lock() {
	id := goroutineID()
	for !l.locked.CompareAndSwap(false, true) {
		if l.owner.Load() == id {
			// Reentrant acquire: owner cannot change while we hold the
			// lock, so this check is stable.
			l.holders++
			return
		}
		runtime.Gosched()
	}
	l.owner.Store(id)
	l.holders = 1
}

func (l *spinLock) Unlock() {
	if !l.locked.Load() || l.owner.Load() != goroutineID() {
		panic("cqrpc: unlock of a spin lock not held by this goroutine")
	}
	l.holders--
	if l.holders == 0 {
		l.owner.Store(0)
		l.locked.Store(false)
	}
}
