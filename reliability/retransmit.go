package reliability

import (
	"time"

	"github.com/jetstreamproto/jetstreamproto/wire"
)

// RTO bounds and ack-delay constant from spec.md §4.4.
const (
	RTOFloor         = 100 * time.Millisecond
	RTOCeiling       = 1 * time.Second
	DefaultAckDelay  = 25 * time.Millisecond
)

// RTTProvider supplies the smoothed RTT estimate the retransmit timeout is
// derived from (implemented by congestion.Controller).
type RTTProvider interface {
	SmoothedRTT() time.Duration
	RTTVar() time.Duration
}

// ComputeRTO implements spec.md §4.4:
//
//	earliest_timeout = smoothed_rtt + 4*rttvar + ack_delay_max
//
// clamped to [RTOFloor, RTOCeiling].
func ComputeRTO(rtt RTTProvider) time.Duration {
	rto := rtt.SmoothedRTT() + 4*rtt.RTTVar() + DefaultAckDelay
	if rto < RTOFloor {
		return RTOFloor
	}
	if rto > RTOCeiling {
		return RTOCeiling
	}
	return rto
}

// Scheduler drives retransmission for every tracked InFlightPacket: it
// schedules a timeout via TimerQueue, doubles it on repeated expiry (up to
// RTOCeiling), retires PartiallyReliable packets past their TTL without
// retransmitting, never retransmits BestEffort packets, and surfaces a
// stream-fatal error once max_retransmits is exceeded (spec.md §4.4
// "Failure signalling").
type Scheduler struct {
	tracker        *Tracker
	tq             *TimerQueue
	rtt            RTTProvider
	maxRetransmits int

	// Retransmit re-emits a packet's plaintext on the wire; called with
	// the packet still present in the tracker (the caller decides whether
	// to re-track it under a new sequence or reuse the same one).
	Retransmit func(p *InFlightPacket)
	// OnLoss notifies the congestion controller of a loss event.
	OnLoss func(p *InFlightPacket)
	// OnFatal is called when a Reliable packet exceeds MaxRetransmits.
	OnFatal func(p *InFlightPacket)
}

// NewScheduler builds a retransmit scheduler bound to tracker and rtt.
func NewScheduler(tracker *Tracker, rtt RTTProvider, maxRetransmits int) *Scheduler {
	s := &Scheduler{tracker: tracker, rtt: rtt, maxRetransmits: maxRetransmits}
	s.tq = NewTimerQueue(s.onTimeout)
	return s
}

// Start begins the background timeout dispatch goroutine.
func (s *Scheduler) Start() { s.tq.Start() }

// Halt stops the background goroutine.
func (s *Scheduler) Halt() { s.tq.Halt() }

// Wait blocks until the background goroutine has exited.
func (s *Scheduler) Wait() { s.tq.Wait() }

// Track begins tracking a newly sent packet and, for Reliable and
// PartiallyReliable modes, schedules its first retransmit timeout.
func (s *Scheduler) Track(p *InFlightPacket) {
	p.FirstSend = time.Now()
	p.LastSend = p.FirstSend
	s.tracker.Insert(p)
	if p.Mode == wire.BestEffort {
		return
	}
	p.nextTimeout = ComputeRTO(s.rtt)
	s.tq.Push(uint64(p.FirstSend.Add(p.nextTimeout).UnixNano()), p.Sequence)
}

// onTimeout is invoked by the TimerQueue when a tracked packet's
// retransmit deadline arrives.
func (s *Scheduler) onTimeout(value interface{}) {
	seq := value.(uint64)
	p, ok := s.tracker.Get(seq)
	if !ok {
		return // already ACKed and removed
	}

	if p.Mode == wire.PartiallyReliable && p.Age() >= p.TTL {
		s.tracker.Remove(seq)
		return
	}

	if p.RetransmitCount >= s.maxRetransmits {
		s.tracker.Remove(seq)
		if s.OnFatal != nil {
			s.OnFatal(p)
		}
		return
	}

	p.RetransmitCount++
	p.LastSend = time.Now()
	if s.OnLoss != nil {
		s.OnLoss(p)
	}
	if s.Retransmit != nil {
		s.Retransmit(p)
	}

	p.nextTimeout *= 2
	if p.nextTimeout > RTOCeiling {
		p.nextTimeout = RTOCeiling
	}
	s.tq.Push(uint64(time.Now().Add(p.nextTimeout).UnixNano()), seq)
}

// Ack retires every packet the peer has acknowledged, removing them from
// both the tracker and any still-pending timer entries, and triggers
// immediate fast retransmit for packets that meet the threshold.
func (s *Scheduler) Ack(ack *SenderAckView) (acked []*InFlightPacket, fastRetransmit []*InFlightPacket) {
	removed := s.tracker.RemoveRange(0, ack.CumulativeAck)
	acked = append(acked, removed...)
	for seq := range ack.sacked {
		if p, ok := s.tracker.Remove(seq); ok {
			acked = append(acked, p)
		}
	}
	if len(acked) > 0 {
		ackedSeqs := make(map[uint64]struct{}, len(acked))
		for _, p := range acked {
			ackedSeqs[p.Sequence] = struct{}{}
		}
		s.tq.Remove(func(v interface{}) bool {
			_, ok := ackedSeqs[v.(uint64)]
			return ok
		})
	}

	fastRetransmit = FindFastRetransmits(s.tracker, ack)
	for _, p := range fastRetransmit {
		if p.RetransmitCount >= s.maxRetransmits {
			s.tracker.Remove(p.Sequence)
			if s.OnFatal != nil {
				s.OnFatal(p)
			}
			continue
		}
		p.RetransmitCount++
		p.LastSend = time.Now()
		if s.OnLoss != nil {
			s.OnLoss(p)
		}
		if s.Retransmit != nil {
			s.Retransmit(p)
		}
	}
	return acked, fastRetransmit
}
