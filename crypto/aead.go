package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/wire"
	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD wraps the suite-selected cipher.AEAD with the packet-number-as-nonce
// convention of spec.md §4.1 ("8 bytes packet number ... used as AEAD nonce
// input").
type AEAD struct {
	suite wire.CipherSuite
	aead  cipher.AEAD
}

// NewAEAD constructs the AEAD for the negotiated suite and a 32-byte key.
func NewAEAD(suite wire.CipherSuite, key [AEADKeySize]byte) (*AEAD, error) {
	var a cipher.AEAD
	var err error
	switch suite {
	case wire.SuiteChaCha20Poly1305:
		a, err = chacha20poly1305.New(key[:])
	case wire.SuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err == nil {
			a, err = cipher.NewGCM(block)
		}
	default:
		return nil, errs.Wrap("crypto", errs.ErrHandshakeFailed, fmt.Errorf("unsupported suite %d", suite))
	}
	if err != nil {
		return nil, err
	}
	return &AEAD{suite: suite, aead: a}, nil
}

// nonceFor expands an 8-byte packet number into the AEAD's nonce size by
// left-padding with zeros, per spec.md §4.1.
func (a *AEAD) nonceFor(packetNumber uint64) []byte {
	nonce := make([]byte, a.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], packetNumber)
	return nonce
}

// Seal encrypts plaintext, binding associated data (typically the cleartext
// outer header), and appends the 16-byte AEAD tag.
func (a *AEAD) Seal(packetNumber uint64, associatedData, plaintext []byte) []byte {
	return a.aead.Seal(nil, a.nonceFor(packetNumber), plaintext, associatedData)
}

// Open authenticates and decrypts ciphertext||tag. Any bit-flip in either
// yields AuthTagInvalid (spec.md §8 round-trip law).
func (a *AEAD) Open(packetNumber uint64, associatedData, ciphertext []byte) ([]byte, error) {
	pt, err := a.aead.Open(nil, a.nonceFor(packetNumber), ciphertext, associatedData)
	if err != nil {
		return nil, errs.Wrap("crypto", errs.ErrAuthTagInvalid, err)
	}
	return pt, nil
}
