package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/jetstreamproto/jetstreamproto/crypto"
	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/reliability"
	"github.com/jetstreamproto/jetstreamproto/transport"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// Connect implements spec.md §6 "connect(remote_addr, config) ->
// Connection": binds an ephemeral local UDP socket, performs the
// initiator side of the handshake, and starts the connection driver.
func Connect(remoteAddr string, cfg *config.Config, global *Global) (*Connection, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	t, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	peer, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		_ = t.Close()
		return nil, errs.Wrap("conn", errs.ErrInvalidAddress, err)
	}

	c := newConnection(t, true, peer, cfg, global, true)
	if err := c.clientHandshake(); err != nil {
		_ = t.Close()
		return nil, err
	}
	c.start()
	return c, nil
}

// clientHandshake drives the two-message handshake of spec.md §4.2 from
// the initiator side.
func (c *Connection) clientHandshake() error {
	var ticket []byte
	st, ch, err := crypto.BuildClientHello([]wire.CipherSuite{wire.SuiteChaCha20Poly1305, wire.SuiteAES256GCM}, ticket)
	if err != nil {
		return errs.Wrap("conn", errs.ErrHandshakeFailed, err)
	}
	encoded, err := wire.EncodeClientHello(ch)
	if err != nil {
		return errs.Wrap("conn", errs.ErrHandshakeFailed, err)
	}
	outer := &wire.OuterHeader{Flags: wire.FlagLongHeader}
	if err := c.sendRaw(wire.EncodeOuter(outer, encoded)); err != nil {
		return err
	}

	deadline := time.NewTimer(c.cfg.HandshakeTimeout)
	defer deadline.Stop()
	for {
		select {
		case dg, ok := <-c.incoming:
			if !ok {
				return errs.Wrap("conn", errs.ErrHandshakeFailed, fmt.Errorf("transport closed"))
			}
			_, body, err := wire.DecodeOuter(dg.Payload)
			if err != nil {
				continue
			}
			sh, err := wire.DecodeServerHello(body)
			if err != nil {
				continue
			}
			result, err := crypto.FinishHandshake(st, sh)
			if err != nil {
				return errs.Wrap("conn", errs.ErrHandshakeFailed, err)
			}
			c.remoteConnID = connIDFromSession(sh.SessionID)
			keys, err := crypto.NewEpochKeys(result, true, c.cfg.ReplayWindow)
			if err != nil {
				return errs.Wrap("conn", errs.ErrHandshakeFailed, err)
			}
			c.keys = keys
			return nil
		case <-deadline.C:
			return errs.Wrap("conn", errs.ErrHandshakeFailed, fmt.Errorf("handshake timed out"))
		}
	}
}

// connIDFromSession derives an 8-byte connection id from the server's
// session id, giving both sides a stable identifier for the outer header
// without a further round trip.
func connIDFromSession(sessionID uint64) (out [8]byte) {
	for i := 0; i < 8; i++ {
		out[i] = byte(sessionID >> (8 * i))
	}
	return out
}

// start wires the remaining congestion/scheduler callbacks, transitions
// the session to Established, and launches the cooperative driver loop.
// Shared between the client path (handshake already done inline) and the
// server path (handshake done by the Acceptor).
func (c *Connection) start() {
	c.wireScheduler()
	c.scheduler.Start()
	c.sess.Start()
	c.sess.HandshakeComplete()
	c.Go(c.run)
}

// run is the cooperative intake -> decrypt -> dispatch -> schedule ->
// encrypt -> emit loop of spec.md §4.8/§5, embedding worker.Worker exactly
// as stream.Stream and session.Session do.
func (c *Connection) run() {
	defer c.Done()
	ackTicker := time.NewTicker(reliability.DefaultAckDelay)
	defer ackTicker.Stop()

	for {
		select {
		case <-c.HaltCh():
			return
		case dg, ok := <-c.incoming:
			if !ok {
				c.finish(errs.Wrap("conn", errs.ErrPeerClosed, nil))
				return
			}
			c.metrics.PacketsReceived.Inc()
			c.handleDatagram(dg)
			c.drainScheduler()
		case <-c.mux.Ready():
			c.drainScheduler()
		case <-ackTicker.C:
			if c.takeAckDue() {
				c.flushAck()
			}
		case <-c.closed:
			return
		}
	}
}

// drainScheduler pulls ready frames off the mux's priority scheduler while
// the congestion window and peer flow control allow, per spec.md §4.8
// step "schedule".
func (c *Connection) drainScheduler() {
	for {
		inFlight := c.tracker.BytesInFlight()
		if !c.cc.CanSend(inFlight, c.cfg.MaxPacketSize, 1<<30) {
			return
		}
		streamID, seq, mode, payload, ok := c.mux.Next()
		if !ok {
			return
		}
		var ttl time.Duration
		if s, ok := c.mux.Get(streamID); ok {
			ttl = s.TTL()
		}
		c.admitter.Admit(mode, len(payload), ttl, func() {
			if err := c.sendData(streamID, seq, mode, payload); err != nil {
				c.logger.Warn("send data failed", "stream", streamID, "err", err)
			}
		}, func(err error) {
			c.metrics.RateLimitDeferred.Inc()
			// spec.md §7: Flow/Policy errors surface on the call that
			// triggered them and the connection stays healthy. By the time
			// admission finally fails, send_on_stream has already
			// returned, so the failure is handed to the stream for the
			// caller's next Write to observe instead of tearing down c.
			if s, ok := c.mux.Get(streamID); ok {
				s.SetSendError(err)
			}
		})
	}
}

func (c *Connection) takeAckDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	due := c.pendingAck && time.Since(c.lastAckSent) >= 5*time.Millisecond
	return due
}

func (c *Connection) flushAck() {
	c.mu.Lock()
	c.pendingAck = false
	c.mu.Unlock()
	if frame := c.buildAckFrame(); frame != nil {
		if _, err := c.sendFrames([]*wire.CodedFrame{frame}, wire.BestEffort, 0, 0, false); err != nil {
			c.logger.Warn("send standalone ack failed", "err", err)
		}
	}
}
