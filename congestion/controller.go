// Package congestion implements component C5: a NewReno-style window, RTT
// sampler, and pacing hint (spec.md §4.5).
package congestion

import (
	"sync"
	"time"
)

// State is one of the three NewReno states.
type State int

const (
	SlowStart State = iota
	CongestionAvoidance
	Recovery
)

// DefaultMSS is the maximum segment size default from spec.md §4.5.
const DefaultMSS = 1200

// Controller is a NewReno congestion controller plus an RFC 6298 RTT
// sampler, guarded by its own mutex since it is consulted by both the
// outbound scheduler and the inbound ACK handler (spec.md §5: per-
// connection state is single-threaded via the driver's cooperative loop,
// but the controller is still given its own lock so it can be unit tested
// independent of that loop).
type Controller struct {
	mu sync.Mutex

	mss       int
	cwnd      float64
	ssthresh  float64
	state     State
	recoveryHighestInFlight uint64

	smoothedRTT time.Duration
	rttVar      time.Duration
	haveRTT     bool
}

// NewController builds a controller with the initial state from spec.md
// §4.5: cwnd = 10*MSS, ssthresh = infinity.
func NewController(mss int) *Controller {
	if mss <= 0 {
		mss = DefaultMSS
	}
	return &Controller{
		mss:      mss,
		cwnd:     float64(10 * mss),
		ssthresh: float64(1 << 60), // stand-in for infinity
		state:    SlowStart,
	}
}

// CanSend implements spec.md §4.5's admission check:
//
//	in_flight_bytes + next_frame_size <= min(cwnd, peer_recv_window)
func (c *Controller) CanSend(inFlightBytes, nextFrameSize int, peerRecvWindow int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.cwnd
	if float64(peerRecvWindow) < limit {
		limit = float64(peerRecvWindow)
	}
	return float64(inFlightBytes+nextFrameSize) <= limit
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.cwnd)
}

// State returns the current NewReno state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnAck grows the window for an ACK covering ackedBytes, retransmitted
// reports whether the ACKed packet(s) had been retransmitted (Karn's rule:
// such samples must not update RTT), and sample is the measured RTT for a
// non-retransmitted packet (ignored when retransmitted is true).
func (c *Controller) OnAck(ackedBytes int, retransmitted bool, sample time.Duration, highestAckedSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !retransmitted && sample > 0 {
		c.updateRTT(sample)
	}

	switch c.state {
	case SlowStart:
		grow := float64(ackedBytes)
		if grow > float64(c.mss) {
			grow = float64(c.mss)
		}
		c.cwnd += grow
		if c.cwnd >= c.ssthresh {
			c.state = CongestionAvoidance
		}
	case CongestionAvoidance:
		c.cwnd += float64(c.mss) * (float64(ackedBytes) / c.cwnd)
	case Recovery:
		if highestAckedSeq >= c.recoveryHighestInFlight {
			c.state = CongestionAvoidance
		}
	}
}

// updateRTT applies the RFC 6298 smoothing formulas.
func (c *Controller) updateRTT(sample time.Duration) {
	if !c.haveRTT {
		c.smoothedRTT = sample
		c.rttVar = sample / 2
		c.haveRTT = true
		return
	}
	diff := c.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	c.rttVar = (3*c.rttVar + diff) / 4
	c.smoothedRTT = (7*c.smoothedRTT + sample) / 8
}

// SmoothedRTT and RTTVar expose the current RFC 6298 estimates.
func (c *Controller) SmoothedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothedRTT
}

func (c *Controller) RTTVar() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rttVar
}

// OnLossTimeout implements spec.md §4.5's timeout branch:
// ssthresh = max(cwnd/2, 2*MSS); cwnd = MSS; enter SlowStart.
func (c *Controller) OnLossTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	half := c.cwnd / 2
	floor := float64(2 * c.mss)
	if half < floor {
		half = floor
	}
	c.ssthresh = half
	c.cwnd = float64(c.mss)
	c.state = SlowStart
}

// OnFastRetransmit implements spec.md §4.5's fast-retransmit branch:
// ssthresh = max(cwnd/2, 2*MSS); cwnd = ssthresh; enter Recovery.
func (c *Controller) OnFastRetransmit(highestInFlightSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	half := c.cwnd / 2
	floor := float64(2 * c.mss)
	if half < floor {
		half = floor
	}
	c.ssthresh = half
	c.cwnd = c.ssthresh
	c.state = Recovery
	c.recoveryHighestInFlight = highestInFlightSeq
}

// PacingHint suggests a minimum inter-packet gap so that a full cwnd is
// spent evenly across one RTT, preventing bursty emission. Callers that
// want an enforced pacer can wrap this in golang.org/x/time/rate (the
// rate-limiting package this corpus already depends on via caddy's
// go.mod), rather than the engine hand-rolling a second token bucket.
func (c *Controller) PacingHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveRTT || c.cwnd <= 0 {
		return 0
	}
	packetsPerRTT := c.cwnd / float64(c.mss)
	if packetsPerRTT < 1 {
		packetsPerRTT = 1
	}
	return time.Duration(float64(c.smoothedRTT) / packetsPerRTT)
}
