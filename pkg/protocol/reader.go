package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// ErrOutOfBounds is returned when a read runs past the end of the buffer.
// Once set, every further read on the reader returns zero values.
var ErrOutOfBounds = errors.New("protocol: read past end of buffer")

// Reader decodes Kafka wire-protocol fields from a byte slice. Reads past the
// end poison the reader; the first error is reported by Err and Complete.
type Reader struct {
	buf []byte
	err error
}

// NewReader returns a reader over buf. The reader does not copy buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the sticky error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) }

// Complete returns the sticky error, or nil when the reader is intact.
// It does not require the buffer to be fully consumed; responses may carry
// fields from versions newer than the one decoded.
func (r *Reader) Complete() error { return r.err }

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrOutOfBounds
	}
	r.buf = nil
}

// Span consumes and returns the next n bytes.
func (r *Reader) Span(n int) []byte {
	if n < 0 || len(r.buf) < n || r.err != nil {
		r.fail()
		return nil
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b
}

func (r *Reader) ReadBool() bool {
	return r.ReadInt8() != 0
}

func (r *Reader) ReadInt8() int8 {
	if len(r.buf) < 1 || r.err != nil {
		r.fail()
		return 0
	}
	v := int8(r.buf[0])
	r.buf = r.buf[1:]
	return v
}

func (r *Reader) ReadInt16() int16 {
	if len(r.buf) < 2 || r.err != nil {
		r.fail()
		return 0
	}
	v := int16(binary.BigEndian.Uint16(r.buf))
	r.buf = r.buf[2:]
	return v
}

func (r *Reader) ReadInt32() int32 {
	if len(r.buf) < 4 || r.err != nil {
		r.fail()
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.buf))
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) ReadUint32() uint32 {
	if len(r.buf) < 4 || r.err != nil {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) ReadInt64() int64 {
	if len(r.buf) < 8 || r.err != nil {
		r.fail()
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.buf))
	r.buf = r.buf[8:]
	return v
}

// ReadUvarint reads an unsigned base-128 little-endian varint.
func (r *Reader) ReadUvarint() uint32 {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 || r.err != nil {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return uint32(v)
}

// ReadVarint reads a zig-zag encoded signed 32-bit varint.
func (r *Reader) ReadVarint() int32 {
	u, n := binary.Uvarint(r.buf)
	if n <= 0 || r.err != nil {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return int32(uint32(u)>>1) ^ -int32(u&1)
}

// ReadVarlong reads a zig-zag encoded signed 64-bit varint.
func (r *Reader) ReadVarlong() int64 {
	v, n := binary.Varint(r.buf)
	if n <= 0 || r.err != nil {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

// ReadString reads an i16-length-prefixed string.
func (r *Reader) ReadString() string {
	n := r.ReadInt16()
	if n < 0 {
		r.fail()
		return ""
	}
	return string(r.Span(int(n)))
}

// ReadNullableString reads an i16-length-prefixed string, -1 meaning null.
func (r *Reader) ReadNullableString() *string {
	n := r.ReadInt16()
	if n < 0 {
		return nil
	}
	s := string(r.Span(int(n)))
	return &s
}

// ReadCompactString reads a uvarint(len+1)-prefixed string.
func (r *Reader) ReadCompactString() string {
	n := int(r.ReadUvarint())
	if n < 1 {
		r.fail()
		return ""
	}
	return string(r.Span(n - 1))
}

// ReadCompactNullableString reads a uvarint(len+1)-prefixed string,
// 0 meaning null.
func (r *Reader) ReadCompactNullableString() *string {
	n := int(r.ReadUvarint())
	if n == 0 {
		return nil
	}
	s := string(r.Span(n - 1))
	return &s
}

// ReadBytes reads an i32-length-prefixed byte sequence, -1 meaning null.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if n < 0 {
		return nil
	}
	return r.Span(int(n))
}

// ReadCompactBytes reads a uvarint(len+1)-prefixed byte sequence.
func (r *Reader) ReadCompactBytes() []byte {
	n := int(r.ReadUvarint())
	if n == 0 {
		return nil
	}
	return r.Span(n - 1)
}

// ReadVarintBytes reads a zig-zag-varint-length-prefixed byte sequence,
// -1 meaning null.
func (r *Reader) ReadVarintBytes() []byte {
	n := r.ReadVarint()
	if n < 0 {
		return nil
	}
	return r.Span(int(n))
}

// ReadArrayLen reads a regular i32 array length.
func (r *Reader) ReadArrayLen() int {
	return int(r.ReadInt32())
}

// ReadCompactArrayLen reads a compact uvarint(n+1) array length,
// 0 meaning null (-1 is returned).
func (r *Reader) ReadCompactArrayLen() int {
	return int(r.ReadUvarint()) - 1
}

// ReadUUID reads 16 raw uuid bytes.
func (r *Reader) ReadUUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.Span(16))
	return id
}

// SkipTaggedFields consumes a tagged-field set, discarding its contents.
func (r *Reader) SkipTaggedFields() {
	for n := r.ReadUvarint(); n > 0 && r.err == nil; n-- {
		_ = r.ReadUvarint() // tag
		size := r.ReadUvarint()
		r.Span(int(size))
	}
}
