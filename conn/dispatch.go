package conn

import (
	"time"

	"github.com/jetstreamproto/jetstreamproto/reliability"
	"github.com/jetstreamproto/jetstreamproto/session"
	"github.com/jetstreamproto/jetstreamproto/stream"
	"github.com/jetstreamproto/jetstreamproto/transport"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// handleDatagram implements the intake->decrypt->dispatch steps of
// spec.md §4.8 for one inbound UDP datagram.
func (c *Connection) handleDatagram(dg transport.Datagram) {
	outer, body, err := wire.DecodeOuter(dg.Payload)
	if err != nil {
		c.metrics.InvalidPackets.Inc()
		return
	}
	if outer.LongHeader() {
		// A stray repeated handshake message after completion; the
		// handshake itself is driven separately by clientHandshake or
		// the Acceptor.
		return
	}

	c.checkMigration(dg, outer)

	ad := wire.EncodeOuter(outer, nil)
	plaintext, err := c.keys.OpenInbound(outer.PacketNumber, outer.KeyPhase(), ad, body)
	if err != nil {
		c.metrics.InvalidPackets.Inc()
		return
	}

	c.recvState.Observe(outer.PacketNumber)
	c.markAckPending()
	c.sess.NoteActivity()

	frames, err := wire.DecodeCoalesced(plaintext)
	if err != nil {
		c.metrics.InvalidPackets.Inc()
		return
	}
	for _, f := range frames {
		c.dispatchFrame(dg, f)
	}
}

// checkMigration compares the datagram's source address against the
// current primary path, initiating path validation on a change (spec.md
// §4.6 "Connection migration").
func (c *Connection) checkMigration(dg transport.Datagram, outer *wire.OuterHeader) {
	c.mu.Lock()
	primary := c.peerAddr
	c.mu.Unlock()
	if primary != nil && dg.Addr.String() == primary.String() {
		return
	}
	if c.sess.OldPathRetained(dg.Addr) {
		return
	}
	if c.sess.State() == session.Established {
		c.sess.BeginMigration(primary, dg.Addr)
	}
}

func (c *Connection) dispatchFrame(dg transport.Datagram, f *wire.CodedFrame) {
	switch f.Header.MsgType {
	case wire.MsgData:
		c.onData(f)
	case wire.MsgAck:
		c.onAck(f)
	case wire.MsgHeartbeat:
		c.onHeartbeat(f)
	case wire.MsgStreamControl:
		c.onStreamControl(f)
	case wire.MsgClose:
		c.onClose(f)
	case wire.MsgSessionTicket:
		c.onSessionTicket(f)
	case wire.MsgPathChallenge:
		c.onPathChallenge(dg, f)
	case wire.MsgPathResponse:
		c.onPathResponse(f)
	case wire.MsgFecRepair:
		c.onFecRepair(f)
	}
}

func (c *Connection) onData(f *wire.CodedFrame) {
	var body wire.DataBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	s, ok := c.mux.Get(f.Header.StreamID)
	if !ok {
		return
	}
	s.DeliverInbound(f.Header.FrameSequence, body.Payload)
	select {
	case c.deliveries <- Delivery{StreamID: f.Header.StreamID, Data: drain(s)}:
	default:
	}
	s.ReplenishRecvWindow()
}

// drain reads whatever is currently buffered on the stream's read side so
// it can be surfaced through Connection.Recv without the caller needing a
// second goroutine per stream.
func drain(s *stream.Stream) []byte {
	buf := make([]byte, 65536)
	n, _ := s.Read(buf)
	return buf[:n]
}

func (c *Connection) onAck(f *wire.CodedFrame) {
	var body wire.AckBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	view := reliability.NewSenderAckView(&body)
	acked, _ := c.scheduler.Ack(view)
	for _, p := range acked {
		retransmitted := p.RetransmitCount > 0
		var sample time.Duration
		if !retransmitted {
			sample = p.Age()
		}
		c.cc.OnAck(p.Size, retransmitted, sample, body.CumulativeAck)
	}
	c.metrics.CongestionWindow.Set(float64(c.cc.Cwnd()))
	c.metrics.SmoothedRTT.Set(c.cc.SmoothedRTT().Seconds())
	c.metrics.BytesInFlight.Set(float64(c.tracker.BytesInFlight()))
}

func (c *Connection) onHeartbeat(f *wire.CodedFrame) {
	var body wire.HeartbeatBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	if body.IsPong {
		c.sess.NotePong()
		return
	}
	c.sendControl(wire.MsgHeartbeat, wire.HeartbeatBody{IsPong: true, Sequence: body.Sequence})
}

func (c *Connection) onStreamControl(f *wire.CodedFrame) {
	var body wire.StreamControlBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	switch body.Kind {
	case wire.StreamOpen:
		if _, exists := c.mux.Get(f.Header.StreamID); exists {
			return
		}
		s := stream.New(f.Header.StreamID, body.Mode, body.Priority, time.Duration(body.TTLMs)*time.Millisecond)
		streamID := f.Header.StreamID
		c.mux.Register(s, func(seq uint64, payload []byte) {
			c.mux.EnqueueFor(streamID, seq, body.Mode, body.Priority, payload)
		}, func(additional uint64) {
			c.sendControl(wire.MsgStreamControl, wire.StreamControlBody{
				Kind: wire.StreamWindowUpdate, WindowCredit: additional,
			})
		})
	case wire.StreamClose:
		if s, ok := c.mux.Get(f.Header.StreamID); ok {
			s.MarkClosed()
			c.mux.Close(f.Header.StreamID)
		}
	case wire.StreamWindowUpdate:
		if s, ok := c.mux.Get(f.Header.StreamID); ok {
			s.GrantWindow(body.WindowCredit)
		}
	}
}

func (c *Connection) onClose(f *wire.CodedFrame) {
	var body wire.CloseBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	c.sess.PeerClosed(session.CloseReason(body.Reason))
}

func (c *Connection) onSessionTicket(f *wire.CodedFrame) {
	var body wire.SessionTicketBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	c.mu.Lock()
	c.resumptionTicket = &body
	c.mu.Unlock()
}

func (c *Connection) onPathChallenge(dg transport.Datagram, f *wire.CodedFrame) {
	var body wire.PathChallengeBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	c.sendControlTo(dg.Addr, wire.MsgPathResponse, wire.PathResponseBody{Token: body.Token})
}

func (c *Connection) onPathResponse(f *wire.CodedFrame) {
	var body wire.PathResponseBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	if addr, ok := c.sess.ValidatePathResponse(body.Token, c.cc.SmoothedRTT()); ok {
		c.mu.Lock()
		c.peerAddr = addr
		c.mu.Unlock()
	}
}

func (c *Connection) onFecRepair(f *wire.CodedFrame) {
	var body wire.FecRepairBody
	if err := wire.UnmarshalBody(f.Body, &body); err != nil {
		return
	}
	c.fecGroups.Add(body)
}
