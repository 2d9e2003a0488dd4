package crypto

import (
	"fmt"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// KeyUpdateAfterPackets and KeyUpdateAfterDuration are the triggers named
// in spec.md §4.2 ("after sending >= 2^32 packets or >= 1 hour elapsed").
const (
	KeyUpdateAfterPackets  = uint64(1) << 32
	KeyUpdateAfterDuration = time.Hour
)

// EpochKeys holds the current and, for one RTT, the prior AEAD per
// direction, implementing spec.md §4.2 ("The prior key is retained for one
// RTT to decrypt reordered packets"). Per the resolved Open Question in
// §9, the replay window is connection-scoped, not epoch-scoped: packet
// numbers are never reused or reset across a key update, so a key update
// only swaps keys and leaves the replay bitmap running.
type EpochKeys struct {
	suite wire.CipherSuite

	currentSecret [TrafficSecretSize]byte
	current       *TrafficKeys
	currentAEAD   struct{ send, recv *AEAD }

	prior       *TrafficKeys
	priorAEAD   struct{ send, recv *AEAD }
	priorExpiry time.Time
	hasPrior    bool

	epochFlag bool // mirrors the 1-bit outer-header key-phase flag

	// isInitiator selects which of ClientSend/ServerSend is our send key.
	isInitiator bool

	packetsSinceUpdate uint64
	lastUpdate         time.Time

	replay *ReplayWindow
}

// NewEpochKeys builds the initial (epoch 0) key state from a completed
// handshake Result.
func NewEpochKeys(result *Result, isInitiator bool, replayWindowBits int) (*EpochKeys, error) {
	ek := &EpochKeys{
		suite:         result.Suite,
		currentSecret: result.TrafficSecret,
		current:       result.TrafficKeys,
		isInitiator:   isInitiator,
		lastUpdate:    time.Now(),
		replay:        NewReplayWindow(replayWindowBits),
	}
	if err := ek.rebuildAEADs(); err != nil {
		return nil, err
	}
	return ek, nil
}

func (ek *EpochKeys) rebuildAEADs() error {
	sendKey, recvKey := ek.directionalKeys(ek.current)
	sendAEAD, err := NewAEAD(ek.suite, sendKey)
	if err != nil {
		return err
	}
	recvAEAD, err := NewAEAD(ek.suite, recvKey)
	if err != nil {
		return err
	}
	ek.currentAEAD.send, ek.currentAEAD.recv = sendAEAD, recvAEAD
	return nil
}

func (ek *EpochKeys) directionalKeys(tk *TrafficKeys) (send, recv [AEADKeySize]byte) {
	if ek.isInitiator {
		return tk.ClientSend, tk.ServerSend
	}
	return tk.ServerSend, tk.ClientSend
}

// ShouldUpdate reports whether a key update should be initiated.
func (ek *EpochKeys) ShouldUpdate() bool {
	return ek.packetsSinceUpdate >= KeyUpdateAfterPackets || time.Since(ek.lastUpdate) >= KeyUpdateAfterDuration
}

// Update advances to the next epoch, retaining the current keys as "prior"
// for one RTT. The replay window is left running across the update (spec.md
// §9 resolution): packet numbers live in a single connection-scoped space
// that is never reset at a key update, so reopening the window's bitmap
// would let an already-accepted sequence number be replayed under the new
// epoch.
func (ek *EpochKeys) Update(rtt time.Duration) error {
	next, err := UpdateTrafficSecret(ek.currentSecret)
	if err != nil {
		return err
	}
	nextKeys, err := DeriveTrafficKeys(next)
	if err != nil {
		return err
	}

	ek.prior = ek.current
	ek.priorAEAD = ek.currentAEAD
	ek.hasPrior = true
	if rtt <= 0 {
		rtt = 250 * time.Millisecond
	}
	ek.priorExpiry = time.Now().Add(rtt)

	ek.currentSecret = next
	ek.current = nextKeys
	ek.epochFlag = !ek.epochFlag
	ek.packetsSinceUpdate = 0
	ek.lastUpdate = time.Now()
	return ek.rebuildAEADs()
}

// expirePrior drops the prior epoch once its grace window has elapsed.
func (ek *EpochKeys) expirePrior() {
	if ek.hasPrior && time.Now().After(ek.priorExpiry) {
		ek.hasPrior = false
		ek.prior = nil
	}
}

// SealOutbound encrypts a plaintext frame payload under the current
// epoch's send key.
func (ek *EpochKeys) SealOutbound(packetNumber uint64, associatedData, plaintext []byte) []byte {
	ek.packetsSinceUpdate++
	return ek.currentAEAD.send.Seal(packetNumber, associatedData, plaintext)
}

// EpochFlag returns the 1-bit key-phase flag for the outer header.
func (ek *EpochKeys) EpochFlag() bool { return ek.epochFlag }

// OpenInbound decrypts and replay-checks an inbound packet. keyPhase is the
// sender's epoch flag bit from the outer header; it selects between the
// current and (if still within its grace window) prior epoch.
func (ek *EpochKeys) OpenInbound(packetNumber uint64, keyPhase bool, associatedData, ciphertext []byte) ([]byte, error) {
	ek.expirePrior()

	aead := ek.currentAEAD.recv
	matchesCurrent := keyPhase == ek.epochFlag
	if !matchesCurrent {
		if !ek.hasPrior {
			return nil, errs.Wrap("crypto", errs.ErrReplayedPacket, fmt.Errorf("packet from retired key epoch"))
		}
		aead = ek.priorAEAD.recv
	}

	if err := ek.replay.Accept(packetNumber); err != nil {
		return nil, err
	}
	return aead.Open(packetNumber, associatedData, ciphertext)
}
