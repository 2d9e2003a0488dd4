package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

// MsgType discriminates the Frame union of spec.md §3 "Frame".
type MsgType byte

const (
	MsgData MsgType = iota
	MsgAck
	MsgHeartbeat
	MsgStreamControl
	MsgClose
	MsgSessionTicket
	MsgPathChallenge
	MsgPathResponse
	MsgFecRepair

	// msgTypeReserved marks the start of the reserved range; decoding a
	// msg_type at or above it fails MalformedFrame per spec.md §4.1.
	msgTypeReserved
)

func (t MsgType) Valid() bool { return t < msgTypeReserved }

// DeliveryMode is the tagged sum from spec.md §3 "DeliveryMode".
type DeliveryMode byte

const (
	Reliable DeliveryMode = iota
	PartiallyReliable
	BestEffort

	deliveryModeCount
)

func (m DeliveryMode) Valid() bool { return m < deliveryModeCount }

// FrameHeaderSize is the fixed prefix preceding every frame's varint length
// and type-specific body. It is 32 bytes per spec.md §6; spec.md §4.1's
// field list as written sums to 31 bytes, a known inconsistency (see
// DESIGN.md) resolved here by reserving the 32nd byte.
const FrameHeaderSize = 4 + 1 + 1 + 8 + 8 + 8 + 1 + 1 // stream_id, msg_type, flags, seq, ts, nonce, mode, reserved

// FrameFlagContinuation is the flag bit for a Data frame that is a
// non-final fragment of a split payload. No encoder in this module sets it:
// stream writes are cut into frames only at the flow-control window, not at
// max_packet_size.
const FrameFlagContinuation = 1 << 0

// FrameHeader is the 32-byte prefix described in spec.md §4.1.
type FrameHeader struct {
	StreamID      uint32
	MsgType       MsgType
	Flags         byte
	FrameSequence uint64
	TimestampMs   uint64
	Nonce         uint64
	DeliveryMode  DeliveryMode
}

// EncodeFrameHeader writes the fixed 32-byte prefix to buf.
func EncodeFrameHeader(h *FrameHeader) []byte {
	buf := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.StreamID)
	buf[4] = byte(h.MsgType)
	buf[5] = h.Flags
	binary.BigEndian.PutUint64(buf[6:14], h.FrameSequence)
	binary.BigEndian.PutUint64(buf[14:22], h.TimestampMs)
	binary.BigEndian.PutUint64(buf[22:30], h.Nonce)
	buf[30] = byte(h.DeliveryMode)
	// buf[31] reserved, left zero.
	return buf
}

// DecodeFrameHeader parses the fixed prefix, validating msg_type and
// delivery_mode per spec.md §4.1's failure conditions.
func DecodeFrameHeader(buf []byte) (*FrameHeader, error) {
	if len(buf) < FrameHeaderSize {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("truncated frame header"))
	}
	h := &FrameHeader{
		StreamID:      binary.BigEndian.Uint32(buf[0:4]),
		MsgType:       MsgType(buf[4]),
		Flags:         buf[5],
		FrameSequence: binary.BigEndian.Uint64(buf[6:14]),
		TimestampMs:   binary.BigEndian.Uint64(buf[14:22]),
		Nonce:         binary.BigEndian.Uint64(buf[22:30]),
		DeliveryMode:  DeliveryMode(buf[30]),
	}
	if !h.MsgType.Valid() {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("msg_type %d", buf[4]))
	}
	if !h.DeliveryMode.Valid() {
		return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("delivery_mode %d", buf[30]))
	}
	return h, nil
}

// CodedFrame is one coalesced unit: fixed header, varint-prefixed length,
// and a type-specific body.
type CodedFrame struct {
	Header *FrameHeader
	Body   []byte
}

// EncodeFrame serialises a single frame (header + varint length + body).
func EncodeFrame(f *CodedFrame) []byte {
	buf := EncodeFrameHeader(f.Header)
	buf = AppendVarint(buf, uint64(len(f.Body)))
	buf = append(buf, f.Body...)
	return buf
}

// EncodeCoalesced concatenates the wire encoding of multiple frames destined
// for the same packet, splitting the caller's responsibility of respecting
// max_packet_size (the stream multiplexer/scheduler owns that decision).
func EncodeCoalesced(frames []*CodedFrame) []byte {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, EncodeFrame(f)...)
	}
	return buf
}

// DecodeCoalesced parses every frame out of a decrypted plaintext buffer.
func DecodeCoalesced(plaintext []byte) ([]*CodedFrame, error) {
	var frames []*CodedFrame
	for len(plaintext) > 0 {
		h, err := DecodeFrameHeader(plaintext)
		if err != nil {
			return nil, err
		}
		plaintext = plaintext[FrameHeaderSize:]
		length, n, err := ReadVarint(plaintext)
		if err != nil {
			return nil, err
		}
		plaintext = plaintext[n:]
		if uint64(len(plaintext)) < length {
			return nil, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("frame body truncated: want %d have %d", length, len(plaintext)))
		}
		body := plaintext[:length]
		plaintext = plaintext[length:]
		frames = append(frames, &CodedFrame{Header: h, Body: body})
	}
	return frames, nil
}
