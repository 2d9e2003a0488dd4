package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jetstreamproto/wire"
)

func TestWriteEmitsFramesRespectingWindow(t *testing.T) {
	s := New(1, wire.Reliable, 0, 0)
	var got [][]byte
	s.Bind(func(seq uint64, payload []byte) {
		cp := append([]byte(nil), payload...)
		got = append(got, cp)
	}, nil)

	_, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []byte("hello"), got[0])
}

func TestDeliverInboundReordersReliableStream(t *testing.T) {
	s := New(1, wire.Reliable, 0, 0)
	s.DeliverInbound(1, []byte("B"))
	s.DeliverInbound(0, []byte("A"))
	s.DeliverInbound(2, []byte("C"))

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ABC", string(buf[:n]))
}

func TestDeliverInboundBestEffortSkipsReordering(t *testing.T) {
	s := New(1, wire.BestEffort, 0, 0)
	s.DeliverInbound(5, []byte("late"))
	s.DeliverInbound(1, []byte("early"))

	buf := make([]byte, 9)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "lateearly", string(buf[:n]))
}

func TestWriteAfterCloseFails(t *testing.T) {
	s := New(1, wire.Reliable, 0, 0)
	s.Bind(func(uint64, []byte) {}, nil)
	require.NoError(t, s.Close())
	_, err := s.Write([]byte("x"))
	require.Error(t, err)
}

func TestGrantWindowUnblocksFlusher(t *testing.T) {
	s := New(1, wire.Reliable, 0, 0)
	s.sendWindow = 2

	var got [][]byte
	s.Bind(func(seq uint64, payload []byte) {
		got = append(got, append([]byte(nil), payload...))
	}, nil)

	_, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got) == 1 && len(got[0]) == 2 }, time.Second, time.Millisecond)

	s.GrantWindow(10)
	require.Eventually(t, func() bool { return len(got) == 2 }, time.Second, time.Millisecond)
}

func TestMuxOpenAssignsIncreasingStreamIDs(t *testing.T) {
	m := NewMux()
	a := m.Open(wire.Reliable, 0, 0)
	b := m.Open(wire.BestEffort, 10, 0)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestMuxNextDrainsHigherPriorityFirst(t *testing.T) {
	m := NewMux()
	lowPri := m.Open(wire.Reliable, 1, 0)
	highPri := m.Open(wire.Reliable, 5, 0)

	_, _ = lowPri.Write([]byte("a"))
	_, _ = highPri.Write([]byte("b"))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.buckets[1]) == 1 && len(m.buckets[5]) == 1
	}, time.Second, time.Millisecond)

	id, _, _, payload, ok := m.Next()
	require.True(t, ok)
	require.Equal(t, highPri.ID(), id)
	require.Equal(t, []byte("b"), payload)
}

func TestMuxNextFullyDrainsPriorityBucketBeforeLower(t *testing.T) {
	m := NewMux()
	lowPri := m.Open(wire.Reliable, 1, 0)
	highPri := m.Open(wire.Reliable, 5, 0)

	_, _ = lowPri.Write([]byte("low"))
	_, _ = highPri.Write([]byte("hi1"))
	// the flusher frames whatever is buffered, so let "hi1" go out as its
	// own frame before "hi2" is written.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.buckets[5]) == 1
	}, time.Second, time.Millisecond)
	_, _ = highPri.Write([]byte("hi2"))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.buckets[1]) == 1 && len(m.buckets[5]) == 2
	}, time.Second, time.Millisecond)

	_, _, _, p1, ok := m.Next()
	require.True(t, ok)
	require.Equal(t, []byte("hi1"), p1)

	_, _, _, p2, ok := m.Next()
	require.True(t, ok)
	require.Equal(t, []byte("hi2"), p2)

	id, _, _, p3, ok := m.Next()
	require.True(t, ok)
	require.Equal(t, lowPri.ID(), id)
	require.Equal(t, []byte("low"), p3)
}

func TestMuxTooManyStreams(t *testing.T) {
	m := NewMux()
	m.Open(wire.Reliable, 0, 0)
	require.Error(t, m.TooManyStreams(1))
}
