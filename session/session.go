// Package session implements component C6: the per-connection state
// machine (handshake, heartbeat, idle, path validation, graceful close;
// spec.md §4.6). It has no part in session resumption. Its timer set follows the teacher's
// connection.connectWorker idiom of a single time.Timer reset to the
// next relevant deadline rather than one goroutine per timer
// (client2/connection.go: `timer := time.NewTimer(pkiFallbackInterval)`,
// `timer.Reset(...)`), generalized here to the minimum of several
// concurrently armed deadlines.
package session

import (
	"crypto/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/internal/worker"
)

// State is the session's lifecycle position (spec.md §4.6).
type State int

const (
	Init State = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason is the wire close-reason code from spec.md §6.
type CloseReason byte

const (
	CloseNormal CloseReason = iota
	CloseGoingAway
	CloseProtocolError
	CloseTimeout
	CloseRateLimitExceeded
	CloseInternalError
	CloseHandshakeFailed
	CloseMigrationFailed
)

// pathState tracks an in-progress migration validation (spec.md §4.6
// "Path validation").
type pathState struct {
	active      bool
	challenge   [8]byte
	newAddr     net.Addr
	oldAddr     net.Addr
	deadline    time.Time
	oldExpiry   time.Time
	oldRetained bool
}

// Session drives the timers and state transitions of one connection. It
// does not itself touch the network or the AEAD keys — those are owned by
// the conn package's driver — but it tells that driver what to do (send a
// heartbeat, challenge a new path, close the connection) and when.
type Session struct {
	worker.Worker

	log *log.Logger
	cfg *config.Config

	mu     sync.Mutex
	state  State
	reason CloseReason

	isInitiator bool

	// Hooks invoked by the driver loop; all are optional.
	SendHeartbeat    func(seq uint64)
	SendPathChallenge func(addr net.Addr, challenge [8]byte)
	SendClose        func(reason CloseReason, message string)
	OnClosed         func(reason CloseReason)
	OnPathValidated  func(addr net.Addr)
	OnHandshakeTimeout func()

	handshakeDeadline time.Time
	heartbeatDeadline time.Time
	idleDeadline      time.Time
	closeDrainDeadline time.Time

	heartbeatSeq    uint64
	missedPongs     int
	lastActivity    time.Time

	path pathState

	wake chan struct{}
}

// New builds a session in Init state for the given configuration.
func New(cfg *config.Config, isInitiator bool, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{})
	}
	now := time.Now()
	return &Session{
		log:          logger.WithPrefix("session"),
		cfg:          cfg,
		state:        Init,
		isInitiator:  isInitiator,
		lastActivity: now,
		wake:         make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the handshake timer and begins the background timer loop.
func (s *Session) Start() {
	now := time.Now()
	s.mu.Lock()
	s.state = Handshaking
	s.handshakeDeadline = now.Add(s.cfg.HandshakeTimeout)
	s.idleDeadline = now.Add(s.cfg.SessionTimeout)
	s.heartbeatDeadline = now.Add(s.cfg.HeartbeatInterval)
	s.mu.Unlock()
	s.Go(s.run)
}

// HandshakeComplete transitions Handshaking -> Established, called by the
// driver once crypto.FinishHandshake succeeds on both sides.
func (s *Session) HandshakeComplete() {
	now := time.Now()
	s.mu.Lock()
	if s.state == Handshaking {
		s.state = Established
	}
	s.lastActivity = now
	s.idleDeadline = now.Add(s.cfg.SessionTimeout)
	s.mu.Unlock()
	s.nudge()
}

// NoteActivity resets the idle timer; called by the driver whenever any
// frame is sent or received.
func (s *Session) NoteActivity() {
	now := time.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.idleDeadline = now.Add(s.cfg.SessionTimeout)
	s.heartbeatDeadline = now.Add(s.cfg.HeartbeatInterval)
	s.mu.Unlock()
}

// NotePong records a heartbeat response, resetting the missed-pong count.
func (s *Session) NotePong() {
	s.mu.Lock()
	s.missedPongs = 0
	s.mu.Unlock()
	s.NoteActivity()
}

// BeginClose implements spec.md §4.6 "close(reason, message?)": emits
// Close and moves to Closing, arming a 2*RTT drain timer.
func (s *Session) BeginClose(reason CloseReason, message string, rtt time.Duration) {
	s.mu.Lock()
	if s.state == Closed || s.state == Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	s.reason = reason
	if rtt <= 0 {
		rtt = 100 * time.Millisecond
	}
	s.closeDrainDeadline = time.Now().Add(2 * rtt)
	s.mu.Unlock()

	if s.SendClose != nil {
		s.SendClose(reason, message)
	}
	s.nudge()
}

// PeerClosed finalizes the connection once the peer's Close frame (or
// drain timeout) is observed.
func (s *Session) PeerClosed(reason CloseReason) {
	s.finish(reason)
}

func (s *Session) finish(reason CloseReason) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.reason = reason
	s.mu.Unlock()
	if s.OnClosed != nil {
		s.OnClosed(reason)
	}
	s.Halt()
}

// BeginMigration implements spec.md §4.6 "Path validation": upon
// observing a frame from a new peer address on the same connection id,
// challenge it while retaining the old address.
func (s *Session) BeginMigration(oldAddr, newAddr net.Addr) [8]byte {
	var challenge [8]byte
	_, _ = rand.Read(challenge[:])
	s.mu.Lock()
	s.path = pathState{
		active:    true,
		challenge: challenge,
		newAddr:   newAddr,
		oldAddr:   oldAddr,
		deadline:  time.Now().Add(s.cfg.PathValidationTimeout),
	}
	s.mu.Unlock()
	if s.SendPathChallenge != nil {
		s.SendPathChallenge(newAddr, challenge)
	}
	s.nudge()
	return challenge
}

// ValidatePathResponse checks a PathResponse's echoed challenge. On match
// the new address becomes primary and the old is retained for one RTT
// (spec.md §4.6).
func (s *Session) ValidatePathResponse(got [8]byte, rtt time.Duration) (net.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.path.active || got != s.path.challenge {
		return nil, false
	}
	s.path.active = false
	s.path.oldRetained = true
	if rtt <= 0 {
		rtt = 100 * time.Millisecond
	}
	s.path.oldExpiry = time.Now().Add(rtt)
	primary := s.path.newAddr
	if s.OnPathValidated != nil {
		go s.OnPathValidated(primary)
	}
	return primary, true
}

// OldPathRetained reports whether addr is still acceptable as a fallback
// source during a migration's one-RTT grace window.
func (s *Session) OldPathRetained(addr net.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.path.oldRetained {
		return false
	}
	if time.Now().After(s.path.oldExpiry) {
		s.path.oldRetained = false
		return false
	}
	return addr.String() == s.path.oldAddr.String()
}

func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the single-timer-reset loop: it always sleeps until the nearest
// of the armed deadlines, then re-evaluates every concern, mirroring
// connection.connectWorker's `timer.Reset(pkiFallbackInterval)` pattern
// generalized to several concurrent deadlines folded into one wake-up.
func (s *Session) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next := s.nextDeadline()
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.HaltCh():
			s.Done()
			return
		case <-s.wake:
		case <-timer.C:
		}
		s.tick()
	}
}

func (s *Session) nextDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.idleDeadline
	if s.state == Handshaking && (next.IsZero() || s.handshakeDeadline.Before(next)) {
		next = s.handshakeDeadline
	}
	if s.state == Established && s.heartbeatDeadline.Before(next) {
		next = s.heartbeatDeadline
	}
	if s.path.active && s.path.deadline.Before(next) {
		next = s.path.deadline
	}
	if s.state == Closing && s.closeDrainDeadline.Before(next) {
		next = s.closeDrainDeadline
	}
	return next
}

func (s *Session) tick() {
	now := time.Now()

	s.mu.Lock()
	state := s.state
	handshakeExpired := state == Handshaking && !s.handshakeDeadline.IsZero() && now.After(s.handshakeDeadline)
	idleExpired := !s.idleDeadline.IsZero() && now.After(s.idleDeadline)
	heartbeatDue := state == Established && !s.heartbeatDeadline.IsZero() && now.After(s.heartbeatDeadline)
	pathExpired := s.path.active && now.After(s.path.deadline)
	closeExpired := state == Closing && !s.closeDrainDeadline.IsZero() && now.After(s.closeDrainDeadline)
	s.mu.Unlock()

	if handshakeExpired {
		s.mu.Lock()
		s.state = Closed
		s.reason = CloseHandshakeFailed
		s.mu.Unlock()
		if s.OnHandshakeTimeout != nil {
			s.OnHandshakeTimeout()
		}
		if s.OnClosed != nil {
			s.OnClosed(CloseHandshakeFailed)
		}
		s.Halt()
		return
	}

	if idleExpired {
		s.finish(CloseTimeout)
		return
	}

	if closeExpired {
		s.finish(s.reasonOrDefault())
		return
	}

	if pathExpired {
		s.mu.Lock()
		s.path.active = false
		s.mu.Unlock()
	}

	if heartbeatDue {
		s.mu.Lock()
		s.missedPongs++
		seq := s.heartbeatSeq
		s.heartbeatSeq++
		missed := s.missedPongs
		s.heartbeatDeadline = now.Add(s.cfg.HeartbeatInterval)
		s.mu.Unlock()

		if missed > s.cfg.HeartbeatTimeoutCount {
			s.finish(CloseTimeout)
			return
		}
		if s.SendHeartbeat != nil {
			s.SendHeartbeat(seq)
		}
	}
}

func (s *Session) reasonOrDefault() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
