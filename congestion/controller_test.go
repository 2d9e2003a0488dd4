package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialWindow(t *testing.T) {
	c := NewController(1200)
	require.Equal(t, 12000, c.Cwnd())
	require.Equal(t, SlowStart, c.State())
}

func TestSlowStartGrowsByAckedBytesCappedAtMSS(t *testing.T) {
	c := NewController(1200)
	before := c.Cwnd()
	c.OnAck(5000, false, 20*time.Millisecond, 1)
	require.Equal(t, before+1200, c.Cwnd()) // capped at MSS even though 5000 bytes acked
}

func TestRecoveryExitsToCongestionAvoidance(t *testing.T) {
	c := NewController(1200)
	c.OnFastRetransmit(10) // sets ssthresh = cwnd/2 = 6000, cwnd = 6000, Recovery
	require.Equal(t, Recovery, c.State())
	c.OnAck(1200, false, 10*time.Millisecond, 10) // highestAckedSeq == recoveryHighestInFlight -> exit Recovery
	require.Equal(t, CongestionAvoidance, c.State())
}

func TestLossTimeoutResetsToSlowStart(t *testing.T) {
	c := NewController(1200)
	c.OnAck(20000, false, 10*time.Millisecond, 1) // grow cwnd, maybe enter CA
	c.OnLossTimeout()
	require.Equal(t, SlowStart, c.State())
	require.Equal(t, 1200, c.Cwnd())
}

func TestCanSendRespectsMinOfCwndAndPeerWindow(t *testing.T) {
	c := NewController(1200)
	require.True(t, c.CanSend(0, 1000, 100000))
	require.False(t, c.CanSend(0, 1000, 500)) // peer window smaller than frame
	require.False(t, c.CanSend(11999, 100, 100000))
}

func TestRTTSmoothingIgnoresRetransmittedSamples(t *testing.T) {
	c := NewController(1200)
	c.OnAck(100, false, 100*time.Millisecond, 1)
	first := c.SmoothedRTT()
	require.Equal(t, 100*time.Millisecond, first)

	c.OnAck(100, true, 900*time.Millisecond, 2) // Karn's rule: ignored
	require.Equal(t, first, c.SmoothedRTT())
}
