package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collarcore/radiocore/rcerr"
)

func TestAllocRetainRelease(t *testing.T) {
	p := New(Config{Capacity: 4, MaxPending: 4, FlushAge: time.Hour})
	m, err := p.Alloc(true, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int32(1), m.RefCount())

	m.Retain()
	require.Equal(t, int32(2), m.RefCount())
	require.EqualValues(t, 2, p.TotalRefs())

	m.Release()
	require.Equal(t, int32(1), m.RefCount())
	m.Release()
	require.Equal(t, int32(0), m.RefCount())
	require.EqualValues(t, 0, p.TotalRefs())
	require.Equal(t, 0, p.Outstanding())
}

func TestReleaseBelowZeroPanics(t *testing.T) {
	p := New(Config{Capacity: 4})
	m, err := p.Alloc(false, []byte("x"))
	require.NoError(t, err)
	m.Release()
	require.Panics(t, func() { m.Release() })
}

func TestOutOfMemoryThenEviction(t *testing.T) {
	p := New(Config{Capacity: 1, MaxPending: 4, FlushAge: 10 * time.Millisecond})
	m1, err := p.Alloc(true, []byte("old"))
	require.NoError(t, err)

	// capacity is full and the pending message is too young to evict
	_, err = p.Alloc(true, []byte("new"))
	require.ErrorIs(t, err, rcerr.OutOfMemory)

	time.Sleep(20 * time.Millisecond)
	m2, err := p.Alloc(true, []byte("new"))
	require.NoError(t, err)
	require.NotNil(t, m2)
	_ = m1 // m1 was evicted by the pool, not released by the caller
}

func TestFiveConsecutiveFailuresTripWatchdog(t *testing.T) {
	tripped := 0
	p := New(Config{Capacity: 1, MaxPending: 1, FlushAge: time.Hour, OnWatchdog: func() { tripped++ }})
	_, err := p.Alloc(true, []byte("a"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := p.Alloc(true, []byte("b"))
		require.Error(t, err)
	}
	require.Equal(t, 1, tripped)
}

func TestPendingQueueBounded(t *testing.T) {
	p := New(Config{Capacity: 100, MaxPending: 2, FlushAge: time.Hour})
	for i := 0; i < 5; i++ {
		_, err := p.Alloc(true, []byte("x"))
		require.NoError(t, err)
	}
	require.LessOrEqual(t, p.PendingDepth(), 2)
}
