package reliability

import (
	"container/list"
	"sync"
	"time"

	"github.com/jetstreamproto/jetstreamproto/wire"
)

// InFlightPacket is tracked by the reliability layer per spec.md §3.
type InFlightPacket struct {
	Sequence        uint64
	StreamID        uint32
	Mode            wire.DeliveryMode
	TTL             time.Duration // only meaningful when Mode == PartiallyReliable
	FirstSend       time.Time
	LastSend        time.Time
	RetransmitCount int
	Size            int
	Plaintext       []byte // retained only while retransmission is possible

	listElem    *list.Element
	nextTimeout time.Duration // current (possibly doubled) retransmit timeout
}

// Age returns how long ago the packet was first sent.
func (p *InFlightPacket) Age() time.Duration { return time.Since(p.FirstSend) }

// Tracker is the "ordered ack-tracking structure" of spec.md §4.4,
// supporting insertion, removal by range, and "find oldest unacked at time
// t" via a sequence-ordered doubly linked list (insertion order equals
// sequence order since next_send_seq is strictly increasing) plus a map
// for O(1) lookup/removal by sequence.
type Tracker struct {
	mu      sync.Mutex
	byID    map[uint64]*InFlightPacket
	order   *list.List // front = oldest (lowest sequence still unacked)
	bytesInFlight int
}

// NewTracker builds an empty in-flight tracker.
func NewTracker() *Tracker {
	return &Tracker{byID: make(map[uint64]*InFlightPacket), order: list.New()}
}

// Insert records a freshly sent packet as in-flight.
func (t *Tracker) Insert(p *InFlightPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.listElem = t.order.PushBack(p)
	t.byID[p.Sequence] = p
	t.bytesInFlight += p.Size
}

// Get returns the tracked packet for a sequence, if still in flight.
func (t *Tracker) Get(seq uint64) (*InFlightPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[seq]
	return p, ok
}

// Remove retires a single sequence (e.g. once cumulatively ACKed), freeing
// its plaintext buffer per spec.md §5 "released on ACK".
func (t *Tracker) Remove(seq uint64) (*InFlightPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[seq]
	if !ok {
		return nil, false
	}
	t.order.Remove(p.listElem)
	delete(t.byID, seq)
	t.bytesInFlight -= p.Size
	p.Plaintext = nil
	return p, true
}

// RemoveRange retires every tracked sequence in [start, end] inclusive,
// used when a cumulative ACK advances past a contiguous block.
func (t *Tracker) RemoveRange(start, end uint64) []*InFlightPacket {
	var removed []*InFlightPacket
	t.mu.Lock()
	var next *list.Element
	for e := t.order.Front(); e != nil; e = next {
		next = e.Next()
		p := e.Value.(*InFlightPacket)
		if p.Sequence >= start && p.Sequence <= end {
			t.order.Remove(e)
			delete(t.byID, p.Sequence)
			t.bytesInFlight -= p.Size
			p.Plaintext = nil
			removed = append(removed, p)
		}
	}
	t.mu.Unlock()
	return removed
}

// Oldest returns the lowest-sequence still-unacked packet, or nil if empty
// ("find oldest unacked at time t" — t is implicit: callers compare its
// LastSend/FirstSend against their own clock).
func (t *Tracker) Oldest() *InFlightPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.order.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*InFlightPacket)
}

// BytesInFlight returns the total size of all currently tracked packets,
// used by the congestion controller's can_send check (spec.md §4.5).
func (t *Tracker) BytesInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesInFlight
}

// Len returns the number of packets currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
