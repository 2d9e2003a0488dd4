package session

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jetstreamproto/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.SessionTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeoutCount = 2
	cfg.PathValidationTimeout = 50 * time.Millisecond
	return cfg
}

func TestHandshakeTimeoutClosesSession(t *testing.T) {
	s := New(testConfig(), true, nil)
	var closedReason CloseReason
	var closed int32
	s.OnClosed = func(r CloseReason) {
		closedReason = r
		atomic.StoreInt32(&closed, 1)
	}
	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&closed) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, CloseHandshakeFailed, closedReason)
	require.Equal(t, Closed, s.State())
}

func TestHandshakeCompleteMovesToEstablished(t *testing.T) {
	s := New(testConfig(), true, nil)
	s.Start()
	s.HandshakeComplete()
	require.Equal(t, Established, s.State())
	s.Halt()
}

func TestHeartbeatFiresWhenEstablishedAndIdle(t *testing.T) {
	s := New(testConfig(), true, nil)
	var pings int32
	s.SendHeartbeat = func(seq uint64) { atomic.AddInt32(&pings, 1) }
	s.Start()
	s.HandshakeComplete()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&pings) >= 1 }, time.Second, time.Millisecond)
	s.Halt()
}

func TestMissedHeartbeatsCloseSession(t *testing.T) {
	s := New(testConfig(), true, nil)
	s.SendHeartbeat = func(seq uint64) {}
	var closedReason CloseReason
	var closed int32
	s.OnClosed = func(r CloseReason) {
		closedReason = r
		atomic.StoreInt32(&closed, 1)
	}
	s.Start()
	s.HandshakeComplete()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&closed) == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, CloseTimeout, closedReason)
}

func TestPongResetsMissedCount(t *testing.T) {
	s := New(testConfig(), true, nil)
	s.SendHeartbeat = func(seq uint64) { s.NotePong() }
	var closed int32
	s.OnClosed = func(r CloseReason) { atomic.StoreInt32(&closed, 1) }
	s.Start()
	s.HandshakeComplete()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&closed))
	s.Halt()
}

func TestPathValidationSucceeds(t *testing.T) {
	s := New(testConfig(), false, nil)
	s.Start()
	s.HandshakeComplete()

	oldAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9010}
	newAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9011}

	var challenged [8]byte
	s.SendPathChallenge = func(addr net.Addr, c [8]byte) { challenged = c }
	challenge := s.BeginMigration(oldAddr, newAddr)
	require.Equal(t, challenge, challenged)

	primary, ok := s.ValidatePathResponse(challenge, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, newAddr.String(), primary.String())
	require.True(t, s.OldPathRetained(oldAddr))
	s.Halt()
}

func TestGracefulCloseTransitionsThroughClosing(t *testing.T) {
	s := New(testConfig(), true, nil)
	s.Start()
	s.HandshakeComplete()

	var sentReason CloseReason
	s.SendClose = func(r CloseReason, msg string) { sentReason = r }
	var closed int32
	s.OnClosed = func(r CloseReason) { atomic.StoreInt32(&closed, 1) }

	s.BeginClose(CloseNormal, "bye", 5*time.Millisecond)
	require.Equal(t, CloseNormal, sentReason)
	require.Equal(t, Closing, s.State())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&closed) == 1 }, time.Second, time.Millisecond)
}
