package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

// ProtocolVersion is the first byte of every handshake message.
const ProtocolVersion byte = 1

// CipherSuite enumerates the offered/selected AEAD suites of spec.md §4.2.
type CipherSuite byte

const (
	SuiteChaCha20Poly1305 CipherSuite = iota
	SuiteAES256GCM
)

// ClientHello is message 1 of the handshake (spec.md §4.2).
type ClientHello struct {
	ClientRandom    [32]byte
	ClassicalPublic []byte // X25519 public key
	KemPublic       []byte // Kyber768 public key, or nil if not offered
	OfferedSuites   []CipherSuite

	// Resumption (0-RTT). Ticket is nil on a fresh handshake.
	Ticket        []byte
	EarlyDataFreshnessCounter uint64
}

// ServerHello is message 2 of the handshake.
type ServerHello struct {
	ServerRandom    [32]byte
	SessionID       uint64
	ClassicalPublic []byte // X25519 public key
	KemCiphertext   []byte // Kyber768 ciphertext
	SelectedSuite   CipherSuite
	Ticket          *SessionTicketBody // optional, issued shortly after handshake

	EarlyDataAccepted bool
}

// EncodeClientHello serialises a ClientHello with its leading version byte.
func EncodeClientHello(ch *ClientHello) ([]byte, error) {
	body, err := cbor.Marshal(ch)
	if err != nil {
		return nil, err
	}
	return append([]byte{ProtocolVersion}, body...), nil
}

// DecodeClientHello parses a ClientHello, failing VersionMismatch if the
// leading byte does not match ProtocolVersion.
func DecodeClientHello(buf []byte) (*ClientHello, error) {
	if len(buf) < 1 {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("empty ClientHello"))
	}
	if buf[0] != ProtocolVersion {
		return nil, errs.Wrap("wire", errs.ErrVersionMismatch, fmt.Errorf("got version %d want %d", buf[0], ProtocolVersion))
	}
	ch := &ClientHello{}
	if err := cbor.Unmarshal(buf[1:], ch); err != nil {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, err)
	}
	return ch, nil
}

// EncodeServerHello serialises a ServerHello with its leading version byte.
func EncodeServerHello(sh *ServerHello) ([]byte, error) {
	body, err := cbor.Marshal(sh)
	if err != nil {
		return nil, err
	}
	return append([]byte{ProtocolVersion}, body...), nil
}

// DecodeServerHello parses a ServerHello.
func DecodeServerHello(buf []byte) (*ServerHello, error) {
	if len(buf) < 1 {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("empty ServerHello"))
	}
	if buf[0] != ProtocolVersion {
		return nil, errs.Wrap("wire", errs.ErrVersionMismatch, fmt.Errorf("got version %d want %d", buf[0], ProtocolVersion))
	}
	sh := &ServerHello{}
	if err := cbor.Unmarshal(buf[1:], sh); err != nil {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, err)
	}
	return sh, nil
}
