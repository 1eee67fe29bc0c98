// Package wire implements the length-prefixed binary protocol spoken with the scoring engine.
//
// Each frame is a 4-byte big-endian payload length followed by that many payload bytes.
// The Decoder treats the socket as a continuous stream: a single read may carry no frame,
// part of one, or several.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length prefix size in bytes
const HeaderSize = 4

// DefaultMaxFrameSize bounds a single payload
const DefaultMaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge means the length prefix exceeds the configured maximum.
// The length prefix is the only synchronisation point, so the stream is unusable after this.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// AppendFrame appends the length prefix and payload to dst
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Frame returns payload wrapped in a new frame
func Frame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// Decoder reassembles frames from arbitrary read chunks. Not safe for concurrent use;
// each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
}

// NewDecoder creates a decoder. maxSize <= 0 uses DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends chunk to the internal buffer and returns every complete payload now available.
// Leftover partial bytes are retained for the next call. Returned payloads do not alias
// the decoder's buffer.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	off := 0
	for len(d.buf)-off >= HeaderSize {
		n := binary.BigEndian.Uint32(d.buf[off:])
		if uint64(n) > uint64(d.maxSize) {
			d.buf = d.buf[:0]
			return frames, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.maxSize)
		}
		end := off + HeaderSize + int(n)
		if end > len(d.buf) {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[off+HeaderSize:end])
		frames = append(frames, payload)
		off = end
	}

	// Compact so the buffer only holds the trailing partial frame
	if off > 0 {
		rest := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:rest]
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any buffered partial frame
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
