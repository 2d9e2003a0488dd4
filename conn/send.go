package conn

import (
	"net"
	"time"

	"github.com/jetstreamproto/jetstreamproto/reliability"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// assocData is the AEAD associated data: the cleartext outer header bytes,
// binding connection id, flags and packet number to the ciphertext
// (spec.md §4.2 "AEAD additional data").
func assocData(h *wire.OuterHeader) []byte {
	return wire.EncodeOuter(h, nil)
}

// encodeAndSeal builds the outer header for the given packet number and
// seals plaintext, returning the full datagram ready for transmission. The
// header carries the session-derived connection id that the Acceptor routes
// by, so packets from a new source address still reach this connection.
func (c *Connection) encodeAndSeal(packetNumber uint64, plaintext []byte) []byte {
	h := &wire.OuterHeader{
		Flags:        wire.FlagHasConnID,
		ConnectionID: c.remoteConnID,
		PacketNumber: packetNumber,
	}
	if c.keys.EpochFlag() {
		h.Flags |= wire.FlagKeyPhase
	}
	ad := assocData(h)
	sealed := c.keys.SealOutbound(packetNumber, ad, plaintext)
	return wire.EncodeOuter(h, sealed)
}

// sendRaw transmits pre-built wire bytes to the current peer address.
func (c *Connection) sendRaw(datagram []byte) error {
	c.mu.Lock()
	addr := c.peerAddr
	t := c.t
	c.mu.Unlock()
	return c.sendRawTo(t, addr, datagram)
}

func (c *Connection) sendRawTo(t interface {
	Send(addr net.Addr, payload []byte) error
}, addr net.Addr, datagram []byte) error {
	err := t.Send(addr, datagram)
	if err == nil {
		c.metrics.PacketsSent.Inc()
	}
	return err
}

// nextPacketNumber assigns the next strictly increasing connection-scoped
// packet number used both as the AEAD nonce counter and, for
// Reliable/PartiallyReliable frames, the reliability layer's tracking key
// (spec.md §4.4 "keyed by connection packet-number").
func (c *Connection) nextPacketNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pn := c.nextSendSeq
	c.nextSendSeq++
	return pn
}

// sendFrames coalesces one or more already-built CodedFrames into a single
// secured packet and transmits it to the connection's current peer
// address. When track is true the resulting packet is registered with the
// retransmit scheduler under streamID/mode.
func (c *Connection) sendFrames(frames []*wire.CodedFrame, trackMode wire.DeliveryMode, trackStreamID uint32, ttl time.Duration, track bool) (uint64, error) {
	return c.sendFramesTo(nil, frames, trackMode, trackStreamID, ttl, track)
}

// sendFramesTo is sendFrames with an explicit destination override, used
// for path-validation challenges aimed at a not-yet-primary address.
func (c *Connection) sendFramesTo(addr net.Addr, frames []*wire.CodedFrame, trackMode wire.DeliveryMode, trackStreamID uint32, ttl time.Duration, track bool) (uint64, error) {
	plaintext := wire.EncodeCoalesced(frames)
	pn := c.nextPacketNumber()
	datagram := c.encodeAndSeal(pn, plaintext)

	var err error
	if addr != nil {
		c.mu.Lock()
		t := c.t
		c.mu.Unlock()
		err = c.sendRawTo(t, addr, datagram)
	} else {
		err = c.sendRaw(datagram)
	}
	if err != nil {
		return pn, err
	}
	c.sess.NoteActivity()

	if track {
		c.scheduler.Track(&reliability.InFlightPacket{
			Sequence:  pn,
			StreamID:  trackStreamID,
			Mode:      trackMode,
			TTL:       ttl,
			Size:      len(datagram),
			Plaintext: datagram,
		})
	}
	return pn, nil
}

// sendControl builds and sends a single control frame (Ack, Heartbeat,
// Close, StreamControl, PathChallenge, PathResponse, SessionTicket) to the
// current peer address. Control frames are not retransmit-tracked; the
// session/reliability layers rely on their own timeout or idempotent-retry
// semantics (e.g. heartbeats simply repeat on the next interval).
func (c *Connection) sendControl(msgType wire.MsgType, body interface{}) {
	c.sendControlFrame(nil, wire.BestEffort, 0, msgType, body)
}

// sendControlTo sends a control frame to an explicit address rather than
// the connection's current primary path, used for path-validation
// challenges sent to a newly observed peer address (spec.md §4.6).
func (c *Connection) sendControlTo(addr net.Addr, msgType wire.MsgType, body interface{}) {
	c.sendControlFrame(addr, wire.BestEffort, 0, msgType, body)
}

func (c *Connection) sendControlFrame(addr net.Addr, mode wire.DeliveryMode, streamID uint32, msgType wire.MsgType, body interface{}) {
	encoded, err := wire.MarshalBody(body)
	if err != nil {
		c.logger.Error("marshal control frame", "type", msgType, "err", err)
		return
	}
	frame := &wire.CodedFrame{
		Header: &wire.FrameHeader{
			StreamID:      streamID,
			MsgType:       msgType,
			DeliveryMode:  mode,
			FrameSequence: 0,
			TimestampMs:   uint64(time.Now().UnixMilli()),
		},
		Body: encoded,
	}
	if _, err := c.sendFramesTo(addr, []*wire.CodedFrame{frame}, mode, streamID, 0, false); err != nil {
		c.logger.Warn("send control frame failed", "type", msgType, "err", err)
	}
}

// sendData packages one stream-scheduled payload into a Data frame,
// piggybacking a pending ACK when one is due, and transmits it under
// congestion-window admission.
func (c *Connection) sendData(streamID uint32, seq uint64, mode wire.DeliveryMode, payload []byte) error {
	body, err := wire.MarshalBody(wire.DataBody{Payload: payload})
	if err != nil {
		return err
	}
	frame := &wire.CodedFrame{
		Header: &wire.FrameHeader{
			StreamID:      streamID,
			MsgType:       wire.MsgData,
			DeliveryMode:  mode,
			FrameSequence: seq,
			TimestampMs:   uint64(time.Now().UnixMilli()),
		},
		Body: body,
	}
	frames := []*wire.CodedFrame{frame}
	if c.popPendingAck() {
		if ackFrame := c.buildAckFrame(); ackFrame != nil {
			frames = append(frames, ackFrame)
		}
	}

	var ttl time.Duration
	if s, ok := c.mux.Get(streamID); ok {
		ttl = s.TTL()
	}
	track := mode != wire.BestEffort
	_, err = c.sendFrames(frames, mode, streamID, ttl, track)
	if err != nil {
		return err
	}

	if mode == wire.Reliable {
		c.maybeEmitFEC(seq, payload)
	}
	return nil
}

// maybeEmitFEC feeds a Reliable-mode source frame into the connection's
// Reed-Solomon(10,2) group encoder, sending repair shards as a
// FecRepairBody control frame once a group fills (spec.md §4.4 "FEC
// (optional)").
func (c *Connection) maybeEmitFEC(seq uint64, payload []byte) {
	if !c.cfg.FECEnabled {
		return
	}
	parity, ids, flushed, err := c.fecEnc.Add(seq, payload)
	if err != nil || !flushed {
		return
	}
	c.mu.Lock()
	groupID := c.fecGroupSeq
	c.fecGroupSeq++
	c.mu.Unlock()
	for i, shard := range parity {
		c.sendControl(wire.MsgFecRepair, wire.FecRepairBody{
			GroupID:     groupID,
			ShardIndex:  byte(reliability.DataShards + i),
			ShardCount:  byte(len(ids)),
			ParityCount: byte(len(parity)),
			ShardData:   shard,
		})
		c.metrics.FECRepairsSent.Inc()
	}
}

// buildAckFrame materializes the receive state's current cumulative+SACK
// view as a CodedFrame, or nil if nothing has been received yet.
func (c *Connection) buildAckFrame() *wire.CodedFrame {
	body := c.recvState.BuildAck()
	encoded, err := wire.MarshalBody(body)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.lastAckSent = time.Now()
	c.mu.Unlock()
	return &wire.CodedFrame{
		Header: &wire.FrameHeader{
			MsgType:      wire.MsgAck,
			DeliveryMode: wire.BestEffort,
			TimestampMs:  uint64(time.Now().UnixMilli()),
		},
		Body: encoded,
	}
}

func (c *Connection) popPendingAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pendingAck {
		return false
	}
	c.pendingAck = false
	return true
}

func (c *Connection) markAckPending() {
	c.mu.Lock()
	c.pendingAck = true
	c.mu.Unlock()
}
