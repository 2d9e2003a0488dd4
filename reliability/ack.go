package reliability

import (
	"sort"
	"sync"

	"github.com/jetstreamproto/jetstreamproto/wire"
)

// MaxSackRanges is the default N from spec.md §4.4 ("up to N (default 8)
// SACK ranges").
const MaxSackRanges = 8

// ReceiveState tracks what a receiver has seen so it can build ACK frames
// (spec.md §4.4 "ACK policy").
type ReceiveState struct {
	mu         sync.Mutex
	cumulative uint64 // highest contiguously received sequence; valid only once haveAny is set
	haveAny    bool
	outOfOrder map[uint64]struct{}
}

// NewReceiveState builds an empty receive-side ack tracker.
func NewReceiveState() *ReceiveState {
	return &ReceiveState{outOfOrder: make(map[uint64]struct{})}
}

// Observe records a newly authenticated inbound sequence number.
func (r *ReceiveState) Observe(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveAny {
		r.haveAny = true
		r.cumulative = seq
		r.advance()
		return
	}
	if seq == r.cumulative+1 {
		r.cumulative = seq
		r.advance()
		return
	}
	if seq > r.cumulative {
		r.outOfOrder[seq] = struct{}{}
	}
	// seq <= cumulative: already covered, nothing to record.
}

// advance folds any out-of-order sequences that are now contiguous into
// the cumulative point.
func (r *ReceiveState) advance() {
	for {
		next := r.cumulative + 1
		if _, ok := r.outOfOrder[next]; !ok {
			return
		}
		delete(r.outOfOrder, next)
		r.cumulative = next
	}
}

// BuildAck produces the cumulative + up to MaxSackRanges SACK ranges ack
// body (spec.md §4.4).
func (r *ReceiveState) BuildAck() *wire.AckBody {
	r.mu.Lock()
	defer r.mu.Unlock()
	body := &wire.AckBody{CumulativeAck: r.cumulative}
	if len(r.outOfOrder) == 0 {
		return body
	}
	seqs := make([]uint64, 0, len(r.outOfOrder))
	for s := range r.outOfOrder {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var ranges []wire.SackRange
	start, end := seqs[0], seqs[0]
	for _, s := range seqs[1:] {
		if s == end+1 {
			end = s
			continue
		}
		ranges = append(ranges, wire.SackRange{Start: start, End: end})
		start, end = s, s
	}
	ranges = append(ranges, wire.SackRange{Start: start, End: end})
	if len(ranges) > MaxSackRanges {
		ranges = ranges[len(ranges)-MaxSackRanges:]
	}
	body.SackRanges = ranges
	return body
}

// SenderAckView reconstructs, from a received AckBody, the full set of
// sequences the peer claims to have seen, used to retire in-flight packets
// and detect fast-retransmit conditions.
type SenderAckView struct {
	CumulativeAck uint64
	sacked        map[uint64]struct{}
}

// NewSenderAckView flattens an AckBody's cumulative + SACK ranges.
func NewSenderAckView(body *wire.AckBody) *SenderAckView {
	v := &SenderAckView{CumulativeAck: body.CumulativeAck, sacked: make(map[uint64]struct{})}
	for _, rg := range body.SackRanges {
		for s := rg.Start; s <= rg.End; s++ {
			v.sacked[s] = struct{}{}
		}
	}
	return v
}

// Acked reports whether seq is covered by the cumulative point or an
// explicit SACK range.
func (v *SenderAckView) Acked(seq uint64) bool {
	if seq <= v.CumulativeAck {
		return true
	}
	_, ok := v.sacked[seq]
	return ok
}

// FastRetransmitThreshold is the "three later sequences ACKed" trigger of
// spec.md §4.4.
const FastRetransmitThreshold = 3

// FindFastRetransmits scans the tracker for unacked sequences that have at
// least FastRetransmitThreshold higher, already-acked sequences, the
// condition that triggers immediate retransmission without waiting for
// timeout (spec.md §4.4 "Fast retransmit").
func FindFastRetransmits(t *Tracker, ack *SenderAckView) []*InFlightPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var candidates []*InFlightPacket
	for e := t.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*InFlightPacket)
		if ack.Acked(p.Sequence) {
			continue
		}
		higherAcked := 0
		for e2 := e.Next(); e2 != nil; e2 = e2.Next() {
			p2 := e2.Value.(*InFlightPacket)
			if ack.Acked(p2.Sequence) {
				higherAcked++
			}
		}
		if higherAcked >= FastRetransmitThreshold {
			candidates = append(candidates, p)
		}
	}
	return candidates
}
