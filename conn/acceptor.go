package conn

import (
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/jetstreamproto/jetstreamproto/crypto"
	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/internal/worker"
	"github.com/jetstreamproto/jetstreamproto/session"
	"github.com/jetstreamproto/jetstreamproto/transport"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// Acceptor implements spec.md §6 "listen(local_addr, config) -> Acceptor":
// a single shared UDP socket fanning inbound datagrams out to whichever
// Connection owns their connection id, with fresh ClientHellos handled
// inline to mint new connections.
type Acceptor struct {
	worker.Worker

	t      transport.Conn
	cfg    *config.Config
	global *Global
	logger *log.Logger

	mu       sync.Mutex
	byConnID map[[8]byte]chan transport.Datagram
	byPeer   map[string]chan transport.Datagram

	accepted chan *Connection
}

// Listen binds addr and begins accepting connections.
func Listen(addr string, cfg *config.Config, global *Global) (*Acceptor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	t, err := transport.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		t:        t,
		cfg:      cfg,
		global:   global,
		logger:   newLogger(),
		byConnID: make(map[[8]byte]chan transport.Datagram),
		byPeer:   make(map[string]chan transport.Datagram),
		accepted: make(chan *Connection, 16),
	}
	a.Go(a.run)
	return a, nil
}

// Accept blocks until a new, fully handshaken Connection is available.
func (a *Acceptor) Accept() (*Connection, error) {
	select {
	case c, ok := <-a.accepted:
		if !ok {
			return nil, errs.Wrap("conn", errs.ErrPeerClosed, nil)
		}
		return c, nil
	case <-a.HaltCh():
		return nil, errs.Wrap("conn", errs.ErrPeerClosed, nil)
	}
}

// LocalAddr reports the shared listening address.
func (a *Acceptor) LocalAddr() net.Addr { return a.t.LocalAddr() }

// Close stops accepting and releases the listening socket.
func (a *Acceptor) Close() error {
	a.Halt()
	return a.t.Close()
}

func (a *Acceptor) run() {
	defer a.Done()
	for {
		select {
		case <-a.HaltCh():
			return
		case dg, ok := <-a.t.Recv():
			if !ok {
				return
			}
			a.route(dg)
		}
	}
}

// route demultiplexes one inbound datagram to an existing connection's
// private channel, or treats it as a new handshake attempt.
func (a *Acceptor) route(dg transport.Datagram) {
	outer, body, err := wire.DecodeOuter(dg.Payload)
	if err != nil {
		return
	}

	if !outer.LongHeader() && outer.HasConnID() {
		a.mu.Lock()
		ch, ok := a.byConnID[outer.ConnectionID]
		a.mu.Unlock()
		if ok {
			select {
			case ch <- dg:
			default:
			}
			return
		}
	}

	if outer.LongHeader() {
		a.handleClientHello(dg, body)
		return
	}

	// Established-looking packet from an address we have no record of
	// (e.g. a migrated path probing ahead of its PathChallenge, or noise);
	// route by source address if a handshake is mid-flight for it.
	a.mu.Lock()
	ch, ok := a.byPeer[dg.Addr.String()]
	a.mu.Unlock()
	if ok {
		select {
		case ch <- dg:
		default:
		}
	}
}

func (a *Acceptor) handleClientHello(dg transport.Datagram, body []byte) {
	ch, err := wire.DecodeClientHello(body)
	if err != nil {
		return
	}

	sessionID := randomSessionID()

	sh, result, err := crypto.RespondToClientHello(ch, sessionID)
	if err != nil {
		a.logger.Warn("handshake rejected", "peer", dg.Addr, "err", err)
		return
	}

	if a.global != nil && a.global.TicketKey != nil {
		ticket, terr := a.global.TicketKey.IssueTicket(result.TrafficSecret, nil, a.cfg.TicketLifetime)
		if terr == nil {
			sh.Ticket = ticket
		}
	}

	connID := connIDFromSession(sessionID)
	incoming := make(chan transport.Datagram, 256)
	a.mu.Lock()
	a.byConnID[connID] = incoming
	a.byPeer[dg.Addr.String()] = incoming
	a.mu.Unlock()

	c := newConnectionWithIncoming(a.t, false, dg.Addr, a.cfg, a.global, false, incoming)
	c.remoteConnID = connID
	c.localConnID = connID
	keys, err := crypto.NewEpochKeys(result, false, a.cfg.ReplayWindow)
	if err != nil {
		a.logger.Error("derive epoch keys", "err", err)
		return
	}
	c.keys = keys

	encoded, err := wire.EncodeServerHello(sh)
	if err != nil {
		a.logger.Error("encode server hello", "err", err)
		return
	}
	outer := &wire.OuterHeader{Flags: wire.FlagLongHeader}
	if err := c.sendRaw(wire.EncodeOuter(outer, encoded)); err != nil {
		a.logger.Warn("send server hello", "err", err)
		return
	}

	c.start()
	select {
	case a.accepted <- c:
	case <-a.HaltCh():
		c.Close(session.CloseNormal, "acceptor shutting down")
	}
}

func randomSessionID() uint64 {
	var b [8]byte
	_, _ = cryptoRandRead(b[:])
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
