// Package conn implements component C8: the connection driver and the
// public Connect/Listen/Connection/Acceptor API of spec.md §6. The
// driver is a cooperative per-connection loop modeled directly on the
// teacher's worker.Worker embedding convention (sync.Mutex + worker.Worker,
// c.Go(fn), <-c.HaltCh(), c.Done()) seen in stream.Stream,
// client2.connection, and sockatz/common.QUICProxyConn.
package conn

import (
	"encoding/binary"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jetstreamproto/jetstreamproto/congestion"
	"github.com/jetstreamproto/jetstreamproto/crypto"
	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/internal/metrics"
	"github.com/jetstreamproto/jetstreamproto/internal/worker"
	"github.com/jetstreamproto/jetstreamproto/ratelimit"
	"github.com/jetstreamproto/jetstreamproto/reliability"
	"github.com/jetstreamproto/jetstreamproto/session"
	"github.com/jetstreamproto/jetstreamproto/stream"
	"github.com/jetstreamproto/jetstreamproto/transport"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// Delivery is one application-level message surfaced by Recv (spec.md §6
// "recv() -> list of (stream_id, bytes)").
type Delivery struct {
	StreamID uint32
	Data     []byte
}

// Connection is a long-lived, authenticated-encrypted endpoint context
// (spec.md §3 "Connection").
type Connection struct {
	worker.Worker

	mu sync.Mutex

	t           transport.Conn
	ownsTransport bool
	peerAddr    net.Addr
	localConnID [8]byte
	remoteConnID [8]byte
	isInitiator bool

	cfg    *config.Config
	logger *log.Logger

	sess      *session.Session
	keys      *crypto.EpochKeys
	ticketKey *crypto.TicketKey

	mux       *stream.Mux
	tracker   *reliability.Tracker
	scheduler *reliability.Scheduler
	recvState *reliability.ReceiveState
	cc        *congestion.Controller
	admitter  *ratelimit.Admitter
	metrics   *metrics.Connection

	nextSendSeq uint64
	pendingAck  bool
	lastAckSent time.Time

	fecEnc      *reliability.Encoder
	fecGroups   *fecReceiver
	fecGroupSeq uint64

	resumptionTicket *wire.SessionTicketBody

	deliveries chan Delivery
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error

	incoming <-chan transport.Datagram
}

// Global is a process-wide rate limiter shared across every connection
// (spec.md §4.7 "a third pair at a global scope"), and the shared,
// read-mostly ticket key store (spec.md §5 "shared session-ticket key
// store").
type Global struct {
	Limiter   *ratelimit.Limiter
	TicketKey *crypto.TicketKey
}

// NewGlobal builds a process-wide rate limiter and ticket key.
func NewGlobal(messagesPerS, bytesPerS float64) (*Global, error) {
	var secret [crypto.AEADKeySize]byte
	if _, err := randRead(secret[:]); err != nil {
		return nil, err
	}
	tk, err := crypto.NewTicketKey(secret)
	if err != nil {
		return nil, err
	}
	return &Global{Limiter: ratelimit.New(messagesPerS, bytesPerS), TicketKey: tk}, nil
}

func randRead(b []byte) (int, error) {
	return cryptoRandRead(b)
}

func newLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "conn"})
}

func newConnID() [8]byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], rand.Uint64())
	return id
}

func newConnection(t transport.Conn, ownsTransport bool, peerAddr net.Addr, cfg *config.Config, global *Global, isInitiator bool) *Connection {
	return newConnectionWithIncoming(t, ownsTransport, peerAddr, cfg, global, isInitiator, t.Recv())
}

// newConnectionWithIncoming builds a Connection whose inbound datagrams
// come from an explicit channel rather than the transport's own Recv(),
// used by Acceptor to demultiplex several connections over one shared
// listening socket by connection id.
func newConnectionWithIncoming(t transport.Conn, ownsTransport bool, peerAddr net.Addr, cfg *config.Config, global *Global, isInitiator bool, incoming <-chan transport.Datagram) *Connection {
	if cfg == nil {
		cfg = config.Default()
	}
	fecEnc, _ := reliability.NewEncoder()
	c := &Connection{
		t:             t,
		ownsTransport: ownsTransport,
		peerAddr:      peerAddr,
		localConnID:   newConnID(),
		isInitiator:   isInitiator,
		cfg:           cfg,
		logger:        newLogger(),
		mux:           stream.NewMux(),
		tracker:       reliability.NewTracker(),
		recvState:     reliability.NewReceiveState(),
		cc:            congestion.NewController(cfg.MaxPacketSize),
		metrics:       metrics.NewConnection(peerAddr.String()),
		fecEnc:        fecEnc,
		fecGroups:     newFecReceiver(),
		deliveries:    make(chan Delivery, 256),
		closed:        make(chan struct{}),
		incoming:      incoming,
	}
	connLimiter := ratelimit.New(cfg.RateLimitMessagesPerS, cfg.RateLimitBytesPerS)
	globalLimiter := connLimiter
	if global != nil {
		globalLimiter = global.Limiter
		c.ticketKey = global.TicketKey
	}
	c.admitter = ratelimit.NewAdmitter(connLimiter, globalLimiter, cfg.MaxDefer)
	c.scheduler = reliability.NewScheduler(c.tracker, c.cc, cfg.MaxRetransmits)
	c.sess = session.New(cfg, isInitiator, c.logger)
	c.wireSessionHooks()
	return c
}

func (c *Connection) wireSessionHooks() {
	c.sess.SendHeartbeat = func(seq uint64) {
		c.sendControl(wire.MsgHeartbeat, wire.HeartbeatBody{IsPong: false, Sequence: seq})
	}
	c.sess.SendClose = func(reason session.CloseReason, msg string) {
		c.sendControl(wire.MsgClose, wire.CloseBody{Reason: byte(reason), Message: msg})
	}
	c.sess.SendPathChallenge = func(addr net.Addr, challenge [8]byte) {
		c.sendControlTo(addr, wire.MsgPathChallenge, wire.PathChallengeBody{Token: challenge})
	}
	c.sess.OnClosed = func(reason session.CloseReason) {
		c.finish(errs.Wrap("session", errs.ErrPeerClosed, nil))
	}
	c.sess.OnPathValidated = func(addr net.Addr) {
		c.mu.Lock()
		c.peerAddr = addr
		c.mu.Unlock()
	}
}

// LocalAddr reports the connection's local transport address.
func (c *Connection) LocalAddr() net.Addr { return c.t.LocalAddr() }

// RemoteAddr reports the connection's current peer address.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// State returns the session state machine's current position.
func (c *Connection) State() session.State { return c.sess.State() }

// OpenStream implements spec.md §6 "open_stream(priority, mode) ->
// stream_id", enforcing the max_streams cap.
func (c *Connection) OpenStream(mode wire.DeliveryMode, priority byte, ttlMs int) (*stream.Stream, error) {
	if err := c.mux.TooManyStreams(c.cfg.MaxStreams); err != nil {
		return nil, err
	}
	s := c.mux.Open(mode, priority, ttlMs)
	c.sendControl(wire.MsgStreamControl, wire.StreamControlBody{
		Kind: wire.StreamOpen, Priority: priority, Mode: mode, TTLMs: uint32(ttlMs),
	})
	return s, nil
}

// SendOnStream implements spec.md §6 "send_on_stream(stream_id, bytes)".
func (c *Connection) SendOnStream(streamID uint32, data []byte) error {
	s, ok := c.mux.Get(streamID)
	if !ok {
		return errs.Wrap("conn", errs.ErrStreamClosed, nil)
	}
	_, err := s.Write(data)
	return err
}

// Recv implements spec.md §6 "recv() -> list of (stream_id, bytes)".
// It blocks until at least one delivery is available or the connection
// closes, returning a terminal error reflecting the close reason once
// closed (spec.md §7 "Observable failure behaviour").
func (c *Connection) Recv() (Delivery, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return Delivery{}, c.terminalError()
		}
		return d, nil
	case <-c.closed:
		select {
		case d, ok := <-c.deliveries:
			if ok {
				return d, nil
			}
		default:
		}
		return Delivery{}, c.terminalError()
	}
}

func (c *Connection) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return errs.Wrap("conn", errs.ErrPeerClosed, nil)
}

// Close implements spec.md §6 "close(reason, message?)".
func (c *Connection) Close(reason session.CloseReason, message string) error {
	c.sess.BeginClose(reason, message, c.cc.SmoothedRTT())
	return nil
}

// MigrateTo implements spec.md §6 "migrate_to(new_local_addr)": rebinds
// the local transport and triggers path validation from the new address.
func (c *Connection) MigrateTo(newLocal string) error {
	nt, err := transport.ListenUDP(newLocal)
	if err != nil {
		return errs.Wrap("conn", errs.ErrMigrationFailed, err)
	}
	c.mu.Lock()
	old := c.t
	ownedOld := c.ownsTransport
	oldAddr := c.peerAddr
	c.t = nt
	c.ownsTransport = true
	c.incoming = nt.Recv()
	c.mu.Unlock()

	if ownedOld {
		_ = old.Close()
	}
	c.sess.BeginMigration(oldAddr, c.peerAddr)
	c.nudgeReads()
	return nil
}

func (c *Connection) nudgeReads() {}

func (c *Connection) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
		// c.deliveries is intentionally left open: onData sends to it
		// from the driver goroutine, and finish is also reachable from
		// session.Session's independent timer goroutine (idle/heartbeat
		// timeout via OnClosed), so a concurrent close would race an
		// in-flight send. Recv terminates via <-c.closed instead.
		if c.ownsTransport {
			_ = c.t.Close()
		}
		c.Halt()
	})
}
