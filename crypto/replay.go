package crypto

import (
	"fmt"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

// ReplayWindow is the sliding bitmap of spec.md §3 ("a sliding replay
// bitmap of width W") and §8 ("Exactly W replay-window entries are
// retained"). No third-party library fits a fixed-width sliding bitmap;
// this is implemented on stdlib word arithmetic, documented as the one
// standard-library-only structure in C2 (see DESIGN.md).
type ReplayWindow struct {
	width       uint64
	bits        []uint64 // width/64 words, bit i tracks (highest - i)
	highestSeen uint64
	seenAny     bool
}

// NewReplayWindow builds a window of the given bit width (spec.md §6
// option replay_window, default 4096).
func NewReplayWindow(width int) *ReplayWindow {
	if width <= 0 {
		width = 4096
	}
	words := (width + 63) / 64
	return &ReplayWindow{width: uint64(width), bits: make([]uint64, words)}
}

func (w *ReplayWindow) wordBit(offset uint64) (int, uint) {
	return int(offset / 64), uint(offset % 64)
}

// shift slides the window forward so that newHighest becomes bit 0.
func (w *ReplayWindow) shift(delta uint64) {
	if delta >= w.width {
		for i := range w.bits {
			w.bits[i] = 0
		}
		return
	}
	wordShift := delta / 64
	bitShift := delta % 64
	n := len(w.bits)
	if wordShift > 0 {
		for i := n - 1; i >= 0; i-- {
			src := i - int(wordShift)
			if src >= 0 {
				w.bits[i] = w.bits[src]
			} else {
				w.bits[i] = 0
			}
		}
	}
	if bitShift > 0 {
		var carry uint64
		for i := 0; i < n; i++ {
			newCarry := w.bits[i] >> (64 - bitShift)
			w.bits[i] = (w.bits[i] << bitShift) | carry
			carry = newCarry
		}
	}
}

// Accept checks (and if fresh, records) a packet number against the replay
// bitmap per spec.md §4.2(a,b): within (highest_seen - W, highest_seen +
// inf), and not already set. It returns ErrReplayedPacket on a duplicate or
// a too-old sequence.
func (w *ReplayWindow) Accept(seq uint64) error {
	if !w.seenAny {
		w.seenAny = true
		w.highestSeen = seq
		w.bits[0] |= 1
		return nil
	}
	switch {
	case seq > w.highestSeen:
		w.shift(seq - w.highestSeen)
		w.highestSeen = seq
		w.bits[0] |= 1
		return nil
	case seq == w.highestSeen:
		return errs.Wrap("crypto", errs.ErrReplayedPacket, fmt.Errorf("duplicate of highest seen sequence %d", seq))
	default:
		offset := w.highestSeen - seq
		if offset >= w.width {
			return errs.Wrap("crypto", errs.ErrReplayedPacket, fmt.Errorf("sequence %d at least %d below highest %d", seq, w.width, w.highestSeen))
		}
		wi, bi := w.wordBit(offset)
		if w.bits[wi]&(1<<bi) != 0 {
			return errs.Wrap("crypto", errs.ErrReplayedPacket, fmt.Errorf("duplicate sequence %d", seq))
		}
		w.bits[wi] |= 1 << bi
		return nil
	}
}

// CheckTimestamp enforces spec.md §4.2(c): the frame timestamp must be
// within skew of local clock.
func CheckTimestamp(frameTimestampMs int64, now time.Time, skew time.Duration) error {
	delta := now.UnixMilli() - frameTimestampMs
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > skew {
		return errs.Wrap("crypto", errs.ErrTimestampSkewed, fmt.Errorf("frame timestamp skewed by %dms (limit %s)", delta, skew))
	}
	return nil
}
