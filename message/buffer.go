package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortBuffer is returned when a message body ends before all fields are read.
var ErrShortBuffer = errors.New("message: short buffer")

// Buffer encodes and decodes message fields in network byte order.
// Encoding appends; decoding consumes from the current position. The first
// decoding error sticks and is reported by Err.
type Buffer struct {
	buf []byte
	pos int
	err error
}

// NewBuffer returns a buffer reading from (or appending to) b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the encoded bytes.
func (b *Buffer) Bytes() []byte { return b.buf }

// Remaining returns the number of bytes not yet decoded.
func (b *Buffer) Remaining() int { return len(b.buf) - b.pos }

// Err returns the first decoding error.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) EncodeUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *Buffer) EncodeUint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

func (b *Buffer) EncodeUint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

func (b *Buffer) EncodeUint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

func (b *Buffer) EncodeInt32(v int32) { b.EncodeUint32(uint32(v)) }

// EncodeString writes s as a fixed-size, zero-padded field of length bytes.
// Longer strings are truncated so that a terminating zero always fits.
func (b *Buffer) EncodeString(s string, length int) {
	if len(s) >= length {
		s = s[:length-1]
	}
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, length)...)
	copy(b.buf[start:], s)
}

func (b *Buffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.Remaining() < n {
		b.err = ErrShortBuffer
		return nil
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p
}

func (b *Buffer) DecodeUint8() uint8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) DecodeUint16() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (b *Buffer) DecodeUint32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (b *Buffer) DecodeUint64() uint64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (b *Buffer) DecodeInt32() int32 { return int32(b.DecodeUint32()) }

// DecodeString reads a fixed-size, zero-padded field of length bytes.
func (b *Buffer) DecodeString(length int) string {
	p := b.take(length)
	if p == nil {
		return ""
	}
	for i, c := range p {
		if c == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}
