package ratelimit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

func TestAllowAdmitsWithinBudget(t *testing.T) {
	l := New(100, 1048576)
	require.True(t, l.Allow(100))
}

func TestBestEffortSilentlyDroppedWhenDenied(t *testing.T) {
	conn := New(1, 1)
	global := New(1000, 1000000)
	conn.messages.Allow() // exhaust the single token
	a := NewAdmitter(conn, global, 200*time.Millisecond)

	var sent int32
	start := time.Now()
	a.Admit(wire.BestEffort, 10, 0, func() { atomic.AddInt32(&sent, 1) }, nil)
	require.Less(t, time.Since(start), 10*time.Millisecond, "Admit must not block the caller")
	require.Never(t, func() bool { return atomic.LoadInt32(&sent) != 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestReliableSurfacesRateLimitExceededAfterMaxDefer(t *testing.T) {
	conn := New(0.001, 1000000) // effectively never refills within the test window
	global := New(1000, 1000000)
	conn.messages.Allow()
	a := NewAdmitter(conn, global, 30*time.Millisecond)

	var sent int32
	errCh := make(chan error, 1)
	start := time.Now()
	a.Admit(wire.Reliable, 10, 0, func() { atomic.AddInt32(&sent, 1) }, func(err error) { errCh <- err })
	require.Less(t, time.Since(start), 10*time.Millisecond, "Admit must not block the caller")

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.ErrorIs(t, err, errs.ErrRateLimitExceeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onExpire")
	}
	require.Equal(t, int32(0), atomic.LoadInt32(&sent))
}

func TestAdmitSendsImmediatelyWhenBudgetAvailable(t *testing.T) {
	conn := New(1000, 1000000)
	global := New(1000, 1000000)
	a := NewAdmitter(conn, global, 200*time.Millisecond)

	var sent int32
	a.Admit(wire.Reliable, 10, 0, func() { atomic.AddInt32(&sent, 1) }, nil)
	require.Equal(t, int32(1), atomic.LoadInt32(&sent))
}
