package crypto

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// TicketKey is the server-held, read-mostly key used to seal/open
// SessionTicket state blobs (spec.md §5 "shared session-ticket key
// store"). Rotation is an administrative write under a caller-held lock;
// this type itself holds only the current key.
type TicketKey struct {
	aead *AEAD
}

// NewTicketKey derives an AEAD from a 32-byte server secret.
func NewTicketKey(secret [AEADKeySize]byte) (*TicketKey, error) {
	a, err := NewAEAD(wire.SuiteAES256GCM, secret)
	if err != nil {
		return nil, err
	}
	return &TicketKey{aead: a}, nil
}

// ticketState is the plaintext sealed inside a SessionTicketBody.
type ticketState struct {
	TrafficSecret [TrafficSecretSize]byte
	PeerIdentity  []byte
	FreshnessCtr  uint64
}

// IssueTicket builds a SessionTicketBody encrypting the given traffic
// secret and peer identity, valid from now for lifetime (spec.md §4.6).
func (tk *TicketKey) IssueTicket(trafficSecret [TrafficSecretSize]byte, peerIdentity []byte, lifetime time.Duration) (*wire.SessionTicketBody, error) {
	state := ticketState{TrafficSecret: trafficSecret, PeerIdentity: peerIdentity}
	plain, err := cbor.Marshal(state)
	if err != nil {
		return nil, err
	}
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	// Use the ticket id's low 8 bytes as a per-ticket nonce/packet number
	// analogue; uniqueness is guaranteed by rand.Read above.
	pn := uint64(0)
	for i := 0; i < 8; i++ {
		pn |= uint64(id[i]) << (8 * i)
	}
	sealed := tk.aead.Seal(pn, id[:], plain)
	return &wire.SessionTicketBody{
		TicketID:       id,
		EncryptedState: sealed,
		IssuedAtUnix:   time.Now().Unix(),
		LifetimeSec:    uint32(lifetime / time.Second),
	}, nil
}

// OpenTicket authenticates and decrypts a ticket, rejecting it if expired
// (spec.md §8: "accepted at any time t in [t0, t0+L] and rejected
// thereafter").
func (tk *TicketKey) OpenTicket(t *wire.SessionTicketBody, now time.Time) (trafficSecret [TrafficSecretSize]byte, peerIdentity []byte, err error) {
	issued := time.Unix(t.IssuedAtUnix, 0)
	expiry := issued.Add(time.Duration(t.LifetimeSec) * time.Second)
	if now.Before(issued) || now.After(expiry) {
		return trafficSecret, nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, fmt.Errorf("ticket expired at %s (now %s)", expiry, now))
	}
	pn := uint64(0)
	for i := 0; i < 8; i++ {
		pn |= uint64(t.TicketID[i]) << (8 * i)
	}
	plain, err := tk.aead.Open(pn, t.TicketID[:], t.EncryptedState)
	if err != nil {
		return trafficSecret, nil, err
	}
	var state ticketState
	if err := cbor.Unmarshal(plain, &state); err != nil {
		return trafficSecret, nil, errs.Wrap("crypto", errs.ErrMalformedFrame, err)
	}
	return state.TrafficSecret, state.PeerIdentity, nil
}
