package wire

import (
	"fmt"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
)

// maxVarintLen bounds LEB128 varints to 8 bytes, per spec.md §4.1.
const maxVarintLen = 8

// AppendVarint encodes v as unsigned LEB128 and appends it to buf.
func AppendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// ReadVarint decodes an unsigned LEB128 varint from the front of buf and
// returns the value, the number of bytes consumed, and any error.
func ReadVarint(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < maxVarintLen; i++ {
		if i >= len(buf) {
			return 0, 0, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("truncated varint"))
		}
		b := buf[i]
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errs.Wrap("wire", errs.ErrMalformedFrame, fmt.Errorf("varint exceeds %d bytes", maxVarintLen))
}
