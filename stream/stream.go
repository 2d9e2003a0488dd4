// Package stream implements component C3: per-connection stream
// multiplexing over the three delivery modes of spec.md §3 (Reliable,
// PartiallyReliable, BestEffort), with priority scheduling and flow
// control. It generalizes the teacher's map/client.Stream — a single
// reliable-or-scramble stream keyed into a remote KV store, with its own
// reader/writer goroutine pair and retransmit-on-timeout queue — into a
// table of independent streams addressed by stream_id, each handing its
// frames to the connection's reliability layer instead of doing its own
// KV Put/Get and ACK bookkeeping.
package stream

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/internal/worker"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// State is a Stream's lifecycle position (spec.md §3 "Stream").
type State uint8

const (
	Opening State = iota
	Open
	Closing
	Closed
)

// DefaultFlowWindow is the initial per-stream flow-control window in bytes
// (spec.md §6 default).
const DefaultFlowWindow = 256 * 1024

// Stream is one logical, independently-ordered channel within a
// connection. Like the teacher's Stream it pairs a write buffer with a
// read buffer behind a mutex, embeds worker.Worker for its background
// flush loop, and exposes io.Reader/io.Writer/net.Conn-style deadlines —
// but adds delivery-mode semantics, a reorder buffer, and flow control in
// place of the teacher's single linear frame-ID chain and KV-store
// round trip.
type Stream struct {
	sync.Mutex
	worker.Worker

	id       uint32
	mode     wire.DeliveryMode
	priority byte
	ttl      time.Duration // meaningful only for Mode == PartiallyReliable

	rstate State
	wstate State

	writeBuf *bytes.Buffer // buffered outbound bytes awaiting frame packaging
	readBuf  *bytes.Buffer // reassembled inbound bytes awaiting the caller's Read

	nextWriteSeq uint64
	nextWantSeq  uint64 // next in-order frame sequence expected by the reorder buffer
	reorder      map[uint64][]byte

	sendWindow uint64 // bytes the peer has authorized us to send
	recvUsed   uint64 // bytes received since the last window-update we issued

	// sendErr is set by the connection driver when an already-queued
	// Reliable frame is ultimately denied by rate limiting (spec.md §4.7);
	// since Write returns before the scheduler ever admits the frame,
	// there is no call left to fail synchronously, so the failure is
	// surfaced on the caller's next Write instead.
	sendErr error

	maxWritebufSize int
	defaultTimeout  time.Duration
	readDeadline    time.Time
	writeDeadline   time.Time

	onFlush chan struct{}
	onRead  chan struct{}
	onWrite chan struct{}
	onClose chan struct{}

	// emit hands a ready-to-send frame payload to the connection driver's
	// scheduler; nil until the stream is attached via Bind.
	emit func(seq uint64, payload []byte)
	// requestWindowUpdate notifies the driver that ConsumedRecvWindow
	// crossed the threshold worth acking back to the peer.
	requestWindowUpdate func(additional uint64)
}

// New creates a stream in the Opening state, mirroring the teacher's
// NewStream constructor shape (buffers, channels, and default window all
// set up before the background worker is started).
func New(id uint32, mode wire.DeliveryMode, priority byte, ttl time.Duration) *Stream {
	s := &Stream{
		id:              id,
		mode:            mode,
		priority:        priority,
		ttl:             ttl,
		rstate:          Opening,
		wstate:          Opening,
		writeBuf:        new(bytes.Buffer),
		readBuf:         new(bytes.Buffer),
		reorder:         make(map[uint64][]byte),
		sendWindow:      DefaultFlowWindow,
		maxWritebufSize: 64 * 1024,
		defaultTimeout:  5 * time.Minute,
		onFlush:         make(chan struct{}, 1),
		onRead:          make(chan struct{}, 1),
		onWrite:         make(chan struct{}, 1),
		onClose:         make(chan struct{}, 1),
	}
	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 { return s.id }

// Mode returns the stream's delivery mode.
func (s *Stream) Mode() wire.DeliveryMode { return s.mode }

// Priority returns the stream's scheduling priority (higher value is
// serviced first by the connection's bucketed priority scheduler).
func (s *Stream) Priority() byte { return s.priority }

// TTL returns the stream's PartiallyReliable drop deadline; meaningless
// for other modes.
func (s *Stream) TTL() time.Duration { return s.ttl }

// State returns the read-side lifecycle state.
func (s *Stream) State() State {
	s.Lock()
	defer s.Unlock()
	return s.rstate
}

// Bind attaches the callbacks the stream uses to hand outbound frame
// payloads and window-update requests to the connection driver, and opens
// the stream for traffic. Must be called once before Write.
func (s *Stream) Bind(emit func(seq uint64, payload []byte), requestWindowUpdate func(additional uint64)) {
	s.Lock()
	s.emit = emit
	s.requestWindowUpdate = requestWindowUpdate
	s.rstate = Open
	s.wstate = Open
	s.Unlock()
	s.Go(s.flusher)
}

// Read implements io.Reader, draining reassembled in-order bytes. It
// blocks, like the teacher's Read, until data arrives, the stream closes,
// or the read deadline elapses.
func (s *Stream) Read(p []byte) (int, error) {
	s.Lock()
	if !s.readDeadline.IsZero() && time.Now().After(s.readDeadline) {
		s.Unlock()
		return 0, os.ErrDeadlineExceeded
	}
	if s.readBuf.Len() == 0 && s.rstate != Closed {
		timeout := s.defaultTimeout
		if !s.readDeadline.IsZero() {
			timeout = time.Until(s.readDeadline)
		}
		s.Unlock()
		select {
		case <-time.After(timeout):
			return 0, os.ErrDeadlineExceeded
		case <-s.HaltCh():
			return 0, io.EOF
		case <-s.onRead:
		}
		s.Lock()
	}
	n, err := s.readBuf.Read(p)
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err == io.EOF && s.rstate != Closed {
		err = nil
	}
	s.Unlock()
	return n, err
}

// Write implements io.Writer. Payloads are buffered and handed to the
// background flusher, which packages them into frames respecting the
// flow-control window (spec.md §4.3); BestEffort streams are exempt from
// window accounting and send immediately.
func (s *Stream) Write(p []byte) (int, error) {
	s.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.sendErr = nil
		s.Unlock()
		return 0, err
	}
	if s.wstate == Closed || s.wstate == Closing {
		s.Unlock()
		return 0, errs.Wrap("stream", errs.ErrStreamClosed, nil)
	}
	if !s.writeDeadline.IsZero() && time.Now().After(s.writeDeadline) {
		s.Unlock()
		return 0, os.ErrDeadlineExceeded
	}
	for s.writeBuf.Len() >= s.maxWritebufSize {
		s.Unlock()
		select {
		case <-s.HaltCh():
			return 0, errs.Wrap("stream", errs.ErrStreamClosed, nil)
		case <-s.onWrite:
		}
		s.Lock()
	}
	n, err := s.writeBuf.Write(p)
	s.Unlock()
	s.signal(s.onFlush)
	return n, err
}

// flusher is the background worker that packages buffered bytes into
// frames as the flow-control window allows, mirroring the teacher's
// writer() loop shape (wait-then-drain) without its KV-store Put.
func (s *Stream) flusher() {
	for {
		select {
		case <-s.HaltCh():
			s.Done()
			return
		case <-s.onFlush:
		}

		for {
			s.Lock()
			if s.writeBuf.Len() == 0 {
				s.Unlock()
				break
			}
			if s.mode != wire.BestEffort && s.sendWindow == 0 {
				s.Unlock()
				break
			}
			chunk := s.writeBuf.Len()
			if s.mode != wire.BestEffort && uint64(chunk) > s.sendWindow {
				chunk = int(s.sendWindow)
			}
			payload := make([]byte, chunk)
			n, _ := s.writeBuf.Read(payload)
			payload = payload[:n]
			if s.mode != wire.BestEffort {
				s.sendWindow -= uint64(n)
			}
			seq := s.nextWriteSeq
			s.nextWriteSeq++
			emit := s.emit
			s.Unlock()

			if emit != nil {
				emit(seq, payload)
			}
			s.signal(s.onWrite)
		}
	}
}

// DeliverInbound implements spec.md §3 "deliver_inbound": it folds a
// newly authenticated inbound frame into the stream's reorder buffer,
// appending whatever prefix is now contiguous to the read buffer.
// BestEffort and PartiallyReliable frames deliver immediately without
// reordering, per spec.md §3's per-mode delivery semantics.
func (s *Stream) DeliverInbound(seq uint64, payload []byte) {
	s.Lock()
	defer s.Unlock()

	s.recvUsed += uint64(len(payload))

	if s.mode != wire.Reliable {
		s.readBuf.Write(payload)
		s.signal(s.onRead)
		return
	}

	if seq < s.nextWantSeq {
		return // duplicate/already delivered
	}
	if seq == s.nextWantSeq {
		s.readBuf.Write(payload)
		s.nextWantSeq++
		for {
			next, ok := s.reorder[s.nextWantSeq]
			if !ok {
				break
			}
			delete(s.reorder, s.nextWantSeq)
			s.readBuf.Write(next)
			s.nextWantSeq++
		}
		s.signal(s.onRead)
		return
	}
	s.reorder[seq] = payload
}

// SetSendError records a send-path failure (spec.md §4.7's RateLimitExceeded)
// for the caller's next Write to pick up, since the frame that failed was
// already handed off and admitted asynchronously by the time the failure
// is known.
func (s *Stream) SetSendError(err error) {
	s.Lock()
	s.sendErr = err
	s.Unlock()
}

// GrantWindow applies a peer window-update frame, increasing how much
// more this side may send.
func (s *Stream) GrantWindow(additional uint64) {
	s.Lock()
	s.sendWindow += additional
	s.Unlock()
	s.signal(s.onFlush)
}

// ConsumedRecvWindow returns bytes received since the last window-update
// was sent to the peer.
func (s *Stream) ConsumedRecvWindow() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.recvUsed
}

// ReplenishRecvWindow requests a window-update frame crediting the peer
// with the consumed bytes, and resets the consumed counter, once more than
// half the window has been consumed.
func (s *Stream) ReplenishRecvWindow() {
	s.Lock()
	used := s.recvUsed
	if used <= DefaultFlowWindow/2 {
		s.Unlock()
		return
	}
	s.recvUsed = 0
	req := s.requestWindowUpdate
	s.Unlock()
	if req != nil {
		req(used)
	}
}

// Close begins the graceful half-close sequence of spec.md §3: no more
// local writes are accepted, but already-buffered inbound data may still
// be read until the peer's matching close arrives.
func (s *Stream) Close() error {
	s.Lock()
	if s.wstate == Closed {
		s.Unlock()
		return nil
	}
	s.wstate = Closing
	s.Unlock()
	s.signal(s.onFlush)
	return nil
}

// MarkClosed finalizes the stream once both directions have closed,
// waking any blocked Read/Write with EOF.
func (s *Stream) MarkClosed() {
	s.Lock()
	s.rstate = Closed
	s.wstate = Closed
	s.Unlock()
	s.signal(s.onRead)
	s.signal(s.onWrite)
	s.Halt()
}

// SetReadDeadline sets the deadline for future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.Lock()
	s.readDeadline = t
	s.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.Lock()
	s.writeDeadline = t
	s.Unlock()
	return nil
}

// SetDeadline sets both the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	_ = s.SetReadDeadline(t)
	return s.SetWriteDeadline(t)
}

func (s *Stream) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
