package reliability

import (
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

// Default Reed-Solomon shape from spec.md §4.4 "FEC (optional)": a group of
// DataShards source packets plus ParityShards repair packets. A group is
// encoded once it fills; no timer in this module acts on GroupFlushInterval,
// so a partial group is not flushed on idle.
const (
	DataShards       = 10
	ParityShards     = 2
	GroupFlushInterval = 10 * time.Millisecond
)

// Encoder groups outbound Reliable-mode payloads into Reed-Solomon(10,2)
// blocks and emits FecRepairBody shards once a group is complete, grounded
// on github.com/klauspost/reedsolomon.
type Encoder struct {
	enc   reedsolomon.Encoder
	group [][]byte
	ids   []uint64 // frame sequence of each source shard in the current group
}

// NewEncoder builds an FEC encoder for the default (10,2) shape.
func NewEncoder() (*Encoder, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, errs.Wrap("reliability", errs.ErrInternal, err)
	}
	return &Encoder{enc: enc}, nil
}

// Add appends a source payload to the in-progress group, returning the
// parity shards once the group reaches DataShards members. Payloads may
// differ in length; the group is zero-padded to its longest member.
func (e *Encoder) Add(seq uint64, payload []byte) (parity [][]byte, groupIDs []uint64, flushed bool, err error) {
	e.group = append(e.group, payload)
	e.ids = append(e.ids, seq)
	if len(e.group) < DataShards {
		return nil, nil, false, nil
	}
	return e.flush()
}

// Flush forces emission of a partial group, padding with zero shards as
// reedsolomon.Encode requires a full shard set. Nothing in this module
// calls it; the conn package emits repairs only for full groups.
func (e *Encoder) Flush() (parity [][]byte, groupIDs []uint64, flushed bool, err error) {
	if len(e.group) == 0 {
		return nil, nil, false, nil
	}
	return e.flush()
}

func (e *Encoder) flush() ([][]byte, []uint64, bool, error) {
	shardLen := 0
	for _, s := range e.group {
		if len(s) > shardLen {
			shardLen = len(s)
		}
	}
	shards := make([][]byte, DataShards+ParityShards)
	for i := 0; i < DataShards; i++ {
		shards[i] = make([]byte, shardLen)
		if i < len(e.group) {
			copy(shards[i], e.group[i])
		}
	}
	for i := DataShards; i < DataShards+ParityShards; i++ {
		shards[i] = make([]byte, shardLen)
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, nil, false, errs.Wrap("reliability", errs.ErrInternal, err)
	}
	ids := e.ids
	e.group = nil
	e.ids = nil
	return shards[DataShards:], ids, true, nil
}

// Decoder reconstructs a group's missing source shards from whatever
// combination of data and parity shards arrived.
type Decoder struct {
	dec reedsolomon.Encoder
}

// NewDecoder builds an FEC decoder matching the default (10,2) shape.
func NewDecoder() (*Decoder, error) {
	dec, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, errs.Wrap("reliability", errs.ErrInternal, err)
	}
	return &Decoder{dec: dec}, nil
}

// Reconstruct fills in nil entries of shards (missing data or parity
// members) in place. shards must have length DataShards+ParityShards with
// missing members left as nil.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if err := d.dec.Reconstruct(shards); err != nil {
		return errs.Wrap("reliability", errs.ErrInternal, err)
	}
	return nil
}

// Verify reports whether the shard set is internally consistent (used
// after Reconstruct to sanity-check recovered data before delivering it).
func (d *Decoder) Verify(shards [][]byte) (bool, error) {
	ok, err := d.dec.Verify(shards)
	if err != nil {
		return false, errs.Wrap("reliability", errs.ErrInternal, err)
	}
	return ok, nil
}
