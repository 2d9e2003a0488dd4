// Package wire implements the outer packet framing and per-frame header
// codec (component C1 of spec.md §4.1): fixed-width fields via
// encoding/binary, mirroring the teacher's own manual big-endian framing in
// stream.Stream (rxFrameID/txFrameKey use binary.BigEndian.PutUint64
// directly rather than a generic codec library), plus LEB128 varint length
// prefixes for coalesced frames.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

const (
	// FlagLongHeader marks a handshake packet (connection id not yet
	// assigned).
	FlagLongHeader = 1 << 0
	// FlagHasConnID marks the presence of the 8-byte connection id field.
	FlagHasConnID = 1 << 1
	// FlagKeyPhase is the 1-bit epoch flag toggled on key update (§4.2).
	FlagKeyPhase = 1 << 2

	ConnIDSize      = 8
	PacketNumSize   = 8
	AuthTagSize     = 16
	outerFixedSize  = 1 // flags byte alone; conn id and packet number follow conditionally
	minOuterPacket  = 1 + PacketNumSize + AuthTagSize
)

// OuterHeader is the cleartext prefix of every on-wire packet (spec.md §6,
// "On-wire packet (outer)").
type OuterHeader struct {
	Flags        byte
	ConnectionID [ConnIDSize]byte
	PacketNumber uint64
}

func (h *OuterHeader) LongHeader() bool  { return h.Flags&FlagLongHeader != 0 }
func (h *OuterHeader) HasConnID() bool   { return h.Flags&FlagHasConnID != 0 }
func (h *OuterHeader) KeyPhase() bool    { return h.Flags&FlagKeyPhase != 0 }

// EncodeOuter writes the cleartext header followed by the already-encrypted
// body (ciphertext || 16-byte AEAD tag, produced by the crypto engine).
func EncodeOuter(h *OuterHeader, encryptedBody []byte) []byte {
	size := outerFixedSize + PacketNumSize + len(encryptedBody)
	if h.HasConnID() {
		size += ConnIDSize
	}
	buf := make([]byte, 0, size)
	buf = append(buf, h.Flags)
	if h.HasConnID() {
		buf = append(buf, h.ConnectionID[:]...)
	}
	var pn [PacketNumSize]byte
	binary.BigEndian.PutUint64(pn[:], h.PacketNumber)
	buf = append(buf, pn[:]...)
	buf = append(buf, encryptedBody...)
	return buf
}

// DecodeOuter splits a received datagram into its header and the remaining
// encrypted body (ciphertext || tag). It fails MalformedFrame on a
// truncated buffer.
func DecodeOuter(datagram []byte) (*OuterHeader, []byte, error) {
	if len(datagram) < 1 {
		return nil, nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("empty datagram"))
	}
	h := &OuterHeader{Flags: datagram[0]}
	off := 1
	if h.HasConnID() {
		if len(datagram) < off+ConnIDSize {
			return nil, nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("truncated connection id"))
		}
		copy(h.ConnectionID[:], datagram[off:off+ConnIDSize])
		off += ConnIDSize
	}
	if len(datagram) < off+PacketNumSize {
		return nil, nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("truncated packet number"))
	}
	h.PacketNumber = binary.BigEndian.Uint64(datagram[off : off+PacketNumSize])
	off += PacketNumSize
	if !h.LongHeader() && len(datagram)-off < AuthTagSize {
		return nil, nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("body shorter than auth tag"))
	}
	return h, datagram[off:], nil
}
