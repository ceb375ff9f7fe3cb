package cqrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSpinLock_mutualExclusion(t *testing.T) {
	var lk spinLock
	var counter int
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			for j := 0; j < 1000; j++ {
				lk.Lock()
				counter++
				lk.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 8000, counter)
}

func TestSpinLock_reentrant(t *testing.T) {
	var lk spinLock
	var counter int
	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			for j := 0; j < 500; j++ {
				lk.Lock()
				lk.Lock()
				counter++
				lk.Unlock()
				counter++
				lk.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 4000, counter)

	// still usable afterwards
	lk.Lock()
	lk.Unlock()
}

func TestSpinLock_unlockByNonOwnerPanics(t *testing.T) {
	var lk spinLock
	lk.Lock()
	defer lk.Unlock()
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		lk.Unlock()
	}()
	require.NotNil(t, <-done)
}

func TestSpinLock_unlockWithoutLockPanics(t *testing.T) {
	var lk spinLock
	require.Panics(t, func() { lk.Unlock() })
}
