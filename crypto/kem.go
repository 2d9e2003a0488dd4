// Package crypto implements the hybrid handshake, HKDF key schedule, AEAD
// seal/open, anti-replay bitmap and session-ticket sealing of spec.md §4.2
// (component C2). The hybrid composition — concatenate a classical ECDH
// shared secret with a post-quantum KEM shared secret and feed both into
// one key schedule — is grounded directly on the teacher's
// core/crypto/nike/hybrid.scheme.DeriveSecret, which does exactly this for
// its CTIDH-X25519 scheme (`append(first.DeriveSecret(...), second...)`).
// JetStreamProto swaps the teacher's CTIDH leg for Kyber768 (the
// cloudflare/circl KEM the teacher's go.mod already depends on) since the
// spec calls for a KEM oracle rather than a second NIKE.
package crypto

import (
	"crypto/rand"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/curve25519"
)

// ClassicalKeypair is an X25519 keypair for the non-PQ leg of the hybrid
// exchange.
type ClassicalKeypair struct {
	Private [32]byte
	Public  [32]byte
}

// NewClassicalKeypair generates a fresh X25519 keypair.
func NewClassicalKeypair() (*ClassicalKeypair, error) {
	kp := &ClassicalKeypair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ClassicalShared computes the X25519 shared secret with a peer's public
// key.
func ClassicalShared(priv *ClassicalKeypair, peerPublic []byte) ([]byte, error) {
	return curve25519.X25519(priv.Private[:], peerPublic)
}

// kemScheme returns the PQ KEM oracle. Treated as a black box per spec.md
// §1 ("Post-quantum KEM primitive internals ... out of scope").
func kemScheme() kem.Scheme { return kyber768.Scheme() }

// KemKeypair is a PQ KEM keypair.
type KemKeypair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// NewKemKeypair generates a fresh Kyber768 keypair.
func NewKemKeypair() (*KemKeypair, error) {
	pub, priv, err := kemScheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &KemKeypair{Public: pub, Private: priv}, nil
}

// MarshalPublic returns the wire encoding of a KEM public key.
func (k *KemKeypair) MarshalPublic() ([]byte, error) {
	return k.Public.MarshalBinary()
}

// KemEncapsulate encapsulates against a peer's marshalled public key,
// returning the ciphertext to send and the shared secret to mix into the
// key schedule.
func KemEncapsulate(peerPublic []byte) (ciphertext, shared []byte, err error) {
	scheme := kemScheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(peerPublic)
	if err != nil {
		return nil, nil, err
	}
	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, ss, nil
}

// KemDecapsulate recovers the shared secret from a ciphertext using our
// private key.
func KemDecapsulate(priv kem.PrivateKey, ciphertext []byte) ([]byte, error) {
	return kemScheme().Decapsulate(priv, ciphertext)
}
