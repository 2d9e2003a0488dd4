package stream

import (
	"sync"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// pending is one frame awaiting emission on the wire, tagged with the
// stream that produced it.
type pending struct {
	streamID uint32
	seq      uint64
	mode     wire.DeliveryMode
	payload  []byte
}

// Mux is the per-connection stream table and outbound scheduler. It
// implements spec.md §4.3's priority scheduling with a flat array of 256
// buckets (one per priority byte, higher served first), the same
// "avoid starvation with a flat id-addressed array" idea the teacher
// documents for its own arena+index designs (spec.md §9 design notes).
// A priority level is fully drained before a lower one is serviced at all;
// streams sharing a priority are interleaved FIFO within that level's
// bucket, which is where the round robin applies.
type Mux struct {
	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	buckets  [256][]*pending
	notEmpty chan struct{}
}

// NewMux builds an empty stream table.
func NewMux() *Mux {
	return &Mux{
		streams:  make(map[uint32]*Stream),
		notEmpty: make(chan struct{}, 1),
	}
}

// Open creates and registers a new stream, assigning the next locally
// owned stream_id (spec.md §3 "open(mode, priority) -> stream_id").
func (m *Mux) Open(mode wire.DeliveryMode, priority byte, ttl_ms int) *Stream {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	s := New(id, mode, priority, time.Duration(ttl_ms)*time.Millisecond)
	s.Bind(func(seq uint64, payload []byte) {
		m.enqueue(id, seq, mode, priority, payload)
	}, nil)

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()
	return s
}

// Register adds a stream the peer opened (inbound stream-open control
// frame), under its peer-assigned stream_id.
func (m *Mux) Register(s *Stream, emit func(seq uint64, payload []byte), requestWindowUpdate func(additional uint64)) {
	s.Bind(emit, requestWindowUpdate)
	m.mu.Lock()
	m.streams[s.ID()] = s
	m.mu.Unlock()
}

// Get returns the stream for id, if open.
func (m *Mux) Get(id uint32) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Close removes a stream from the table once fully closed.
func (m *Mux) Close(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// TooManyStreams reports whether opening one more stream would exceed max.
func (m *Mux) TooManyStreams(max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= max {
		return errs.Wrap("stream", errs.ErrTooManyStreams, nil)
	}
	return nil
}

// EnqueueFor lets the connection driver feed a peer-opened stream's
// outbound frames into the same priority scheduler used for locally
// opened streams (spec.md §4.3), since Register does not assign the emit
// callback itself the way Open does.
func (m *Mux) EnqueueFor(streamID uint32, seq uint64, mode wire.DeliveryMode, priority byte, payload []byte) {
	m.enqueue(streamID, seq, mode, priority, payload)
}

func (m *Mux) enqueue(streamID uint32, seq uint64, mode wire.DeliveryMode, priority byte, payload []byte) {
	m.mu.Lock()
	m.buckets[priority] = append(m.buckets[priority], &pending{streamID: streamID, seq: seq, mode: mode, payload: payload})
	m.mu.Unlock()
	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
}

// Ready signals when at least one frame is queued for emission.
func (m *Mux) Ready() <-chan struct{} { return m.notEmpty }

// Next pops the next frame to send, highest priority first, or returns
// false if nothing is queued. A priority bucket is drained completely
// before any lower one is serviced (spec.md §9 "A priority queue groups
// ready-to-send frames by priority descending; within a priority,
// round-robin across streams prevents starvation"). The connection driver
// calls this in its intake->decrypt->dispatch->schedule->encrypt->emit
// loop (spec.md §5) to pick each outbound frame.
func (m *Mux) Next() (streamID uint32, seq uint64, mode wire.DeliveryMode, payload []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := 255; b >= 0; b-- {
		if len(m.buckets[b]) == 0 {
			continue
		}
		p := m.buckets[b][0]
		m.buckets[b] = m.buckets[b][1:]
		return p.streamID, p.seq, p.mode, p.payload, true
	}
	return 0, 0, 0, nil, false
}
