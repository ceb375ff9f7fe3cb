package cqrpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Every goroutine must observe a distinct, nonzero, stable id regardless of
// toolchain: the lock's reentrancy check and the poller identity check are
// both meaningless otherwise.
func TestGoroutineID_distinctAndStable(t *testing.T) {
	const n = 32
	first := make([]int64, n)
	second := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first[i] = goroutineID()
			second[i] = goroutineID()
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		require.NotZero(t, first[i])
		require.Equal(t, first[i], second[i])
		require.False(t, seen[first[i]], "goroutine id %d observed twice", first[i])
		seen[first[i]] = true
	}
}

// The stack-parse fallback must agree with the fast path whenever the fast
// path works at all.
func TestStackGoroutineID_matchesGoroutineID(t *testing.T) {
	require.Equal(t, stackGoroutineID(), stackGoroutineID())
	require.Equal(t, stackGoroutineID(), goroutineID())
}
