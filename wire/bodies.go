package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// Frame bodies are CBOR-encoded the way the teacher's stream.Frame is
// serialised with cbor.Marshal/cbor.Unmarshal in stream/stream.go — a
// compact self-describing record, matching the "tag+length+value" encoding
// spec.md §6 calls for on handshake messages and reused here for
// consistency across every frame body.

// DataBody carries application bytes for one Data frame.
type DataBody struct {
	Payload []byte
}

// AckBody is the cumulative + SACK acknowledgement described in spec.md
// §4.4.
type AckBody struct {
	CumulativeAck uint64
	SackRanges    []SackRange
}

// SackRange is an inclusive [Start, End] block of out-of-order received
// sequences.
type SackRange struct {
	Start uint64
	End   uint64
}

// HeartbeatBody carries a ping/pong sequence number.
type HeartbeatBody struct {
	IsPong   bool
	Sequence uint64
}

// StreamControlKind distinguishes the StreamControl subtypes (open, close,
// window-update) folded into one frame body per spec.md §3/§4.3.
type StreamControlKind byte

const (
	StreamOpen StreamControlKind = iota
	StreamClose
	StreamWindowUpdate
)

// StreamControlBody is the StreamControl(open/close) frame body.
type StreamControlBody struct {
	Kind         StreamControlKind
	Priority     byte
	Mode         DeliveryMode
	TTLMs        uint32 // only meaningful when Mode == PartiallyReliable
	WindowCredit uint64 // only meaningful when Kind == StreamWindowUpdate
}

// CloseBody is the Close(reason, message?) frame body.
type CloseBody struct {
	Reason  byte
	Message string
}

// SessionTicketBody is the opaque resumption ticket of spec.md §3.
type SessionTicketBody struct {
	TicketID    [32]byte
	EncryptedState []byte
	IssuedAtUnix   int64
	LifetimeSec    uint32
}

// PathChallengeBody carries the 8-byte path-validation token.
type PathChallengeBody struct {
	Token [8]byte
}

// PathResponseBody echoes the challenge token back.
type PathResponseBody struct {
	Token [8]byte
}

// FecRepairBody is one Reed-Solomon(10,2) repair shard.
type FecRepairBody struct {
	GroupID     uint64
	ShardIndex  byte
	ShardCount  byte
	ParityCount byte
	ShardData   []byte
}

// MarshalBody CBOR-encodes any of the above body types.
func MarshalBody(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// UnmarshalBody CBOR-decodes into the given destination pointer.
func UnmarshalBody(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
