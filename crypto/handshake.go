package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// Result is what both sides of a completed handshake hold: the negotiated
// suite, the derived traffic keys, and (for the initiator) the session id
// assigned by the responder.
type Result struct {
	Suite       wire.CipherSuite
	SessionID   uint64
	TrafficKeys *TrafficKeys
	// TrafficSecret is retained to support later key updates (§4.2).
	TrafficSecret [TrafficSecretSize]byte
}

// InitiatorState tracks the in-progress state of the connecting side across
// the two handshake messages (spec.md §3 invariant 6: "Only one live
// handshake per connection at a time").
type InitiatorState struct {
	classical    *ClassicalKeypair
	kemKeys      *KemKeypair
	offered      []wire.CipherSuite
	clientRandom [32]byte
}

// BuildClientHello starts a handshake, generating fresh ephemeral keys and
// optionally attaching a resumption ticket for 0-RTT (spec.md §4.2 step 1).
func BuildClientHello(offeredSuites []wire.CipherSuite, ticket []byte) (*InitiatorState, *wire.ClientHello, error) {
	classical, err := NewClassicalKeypair()
	if err != nil {
		return nil, nil, err
	}
	kemKeys, err := NewKemKeypair()
	if err != nil {
		return nil, nil, err
	}
	kemPub, err := kemKeys.MarshalPublic()
	if err != nil {
		return nil, nil, err
	}
	st := &InitiatorState{classical: classical, kemKeys: kemKeys, offered: offeredSuites}
	if _, err := rand.Read(st.clientRandom[:]); err != nil {
		return nil, nil, err
	}
	ch := &wire.ClientHello{
		ClientRandom:    st.clientRandom,
		ClassicalPublic: classical.Public[:],
		KemPublic:       kemPub,
		OfferedSuites:   offeredSuites,
		Ticket:          ticket,
	}
	return st, ch, nil
}

// selectSuite picks the first mutually-acceptable suite, preserving the
// initiator's preference order.
func selectSuite(offered []wire.CipherSuite) (wire.CipherSuite, error) {
	supported := map[wire.CipherSuite]bool{wire.SuiteChaCha20Poly1305: true, wire.SuiteAES256GCM: true}
	for _, s := range offered {
		if supported[s] {
			return s, nil
		}
	}
	return 0, errs.Wrap("crypto", errs.ErrHandshakeFailed, fmt.Errorf("no common cipher suite"))
}

// RespondToClientHello implements the responder side of spec.md §4.2 step
// 2: select a suite, perform ECDH, encapsulate against the offered KEM
// public key, and derive the shared traffic secret.
func RespondToClientHello(ch *wire.ClientHello, sessionID uint64) (*wire.ServerHello, *Result, error) {
	if len(ch.ClassicalPublic) != 32 {
		return nil, nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, fmt.Errorf("bad classical public key length %d", len(ch.ClassicalPublic)))
	}
	suite, err := selectSuite(ch.OfferedSuites)
	if err != nil {
		return nil, nil, err
	}

	serverClassical, err := NewClassicalKeypair()
	if err != nil {
		return nil, nil, err
	}
	classicalShared, err := ClassicalShared(serverClassical, ch.ClassicalPublic)
	if err != nil {
		return nil, nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, err)
	}

	var pqShared []byte
	var kemCiphertext []byte
	if len(ch.KemPublic) > 0 {
		kemCiphertext, pqShared, err = KemEncapsulate(ch.KemPublic)
		if err != nil {
			return nil, nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, err)
		}
	}

	sh := &wire.ServerHello{
		SessionID:       sessionID,
		ClassicalPublic: serverClassical.Public[:],
		KemCiphertext:   kemCiphertext,
		SelectedSuite:   suite,
	}
	if _, err := rand.Read(sh.ServerRandom[:]); err != nil {
		return nil, nil, err
	}

	shared := append(append([]byte{}, classicalShared...), pqShared...)
	trafficSecret, err := DeriveTrafficSecret(shared, ch.ClientRandom[:], sh.ServerRandom[:])
	if err != nil {
		return nil, nil, err
	}
	keys, err := DeriveTrafficKeys(trafficSecret)
	if err != nil {
		return nil, nil, err
	}

	return sh, &Result{Suite: suite, SessionID: sessionID, TrafficKeys: keys, TrafficSecret: trafficSecret}, nil
}

// FinishHandshake implements the initiator side of step 3: recompute the
// classical shared secret, decapsulate the KEM ciphertext, and derive the
// same traffic secret the responder computed.
func FinishHandshake(st *InitiatorState, sh *wire.ServerHello) (*Result, error) {
	if len(sh.ClassicalPublic) != 32 {
		return nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, fmt.Errorf("bad server classical public key length %d", len(sh.ClassicalPublic)))
	}
	classicalShared, err := ClassicalShared(st.classical, sh.ClassicalPublic)
	if err != nil {
		return nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, err)
	}

	var pqShared []byte
	if len(sh.KemCiphertext) > 0 {
		pqShared, err = KemDecapsulate(st.kemKeys.Private, sh.KemCiphertext)
		if err != nil {
			return nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, err)
		}
	}

	shared := append(append([]byte{}, classicalShared...), pqShared...)
	trafficSecret, err := DeriveTrafficSecret(shared, st.clientRandom[:], sh.ServerRandom[:])
	if err != nil {
		return nil, err
	}
	keys, err := DeriveTrafficKeys(trafficSecret)
	if err != nil {
		return nil, err
	}
	return &Result{Suite: sh.SelectedSuite, SessionID: sh.SessionID, TrafficKeys: keys, TrafficSecret: trafficSecret}, nil
}
