package protocol

import (
	"encoding/binary"
	"math/bits"

	"github.com/google/uuid"
)

// Writer accumulates Kafka wire-protocol fields into a growable buffer.
// Writes never fail; buffer growth is handled by append.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated buffer. The slice aliases the writer's
// internal storage and is invalidated by further writes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reset truncates the buffer, keeping its capacity.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) WriteRawBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteBool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteInt8(v int8) { w.buf = append(w.buf, byte(v)) }

func (w *Writer) WriteInt16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// WriteUvarint writes an unsigned base-128 little-endian varint.
func (w *Writer) WriteUvarint(v uint32) {
	w.buf = binary.AppendUvarint(w.buf, uint64(v))
}

// WriteVarint writes a zig-zag encoded signed 32-bit varint.
func (w *Writer) WriteVarint(v int32) {
	w.buf = binary.AppendUvarint(w.buf, uint64(uint32(v)<<1^uint32(v>>31)))
}

// WriteVarlong writes a zig-zag encoded signed 64-bit varint.
func (w *Writer) WriteVarlong(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// WriteString writes an i16-length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteInt16(int16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteNullableString writes an i16-length-prefixed string, -1 meaning null.
func (w *Writer) WriteNullableString(s *string) {
	if s == nil {
		w.WriteInt16(-1)
		return
	}
	w.WriteString(*s)
}

// WriteCompactString writes a uvarint(len+1)-prefixed string.
func (w *Writer) WriteCompactString(s string) {
	w.WriteUvarint(uint32(len(s)) + 1)
	w.buf = append(w.buf, s...)
}

// WriteCompactNullableString writes a uvarint(len+1)-prefixed string,
// 0 meaning null.
func (w *Writer) WriteCompactNullableString(s *string) {
	if s == nil {
		w.WriteUvarint(0)
		return
	}
	w.WriteCompactString(*s)
}

// WriteBytes writes an i32-length-prefixed byte sequence, -1 meaning null.
func (w *Writer) WriteBytes(b []byte) {
	if b == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteCompactBytes writes a uvarint(len+1)-prefixed byte sequence.
func (w *Writer) WriteCompactBytes(b []byte) {
	if b == nil {
		w.WriteUvarint(0)
		return
	}
	w.WriteUvarint(uint32(len(b)) + 1)
	w.buf = append(w.buf, b...)
}

// WriteVarintBytes writes a zig-zag-varint-length-prefixed byte sequence,
// -1 meaning null. Used inside record batches.
func (w *Writer) WriteVarintBytes(b []byte) {
	if b == nil {
		w.WriteVarint(-1)
		return
	}
	w.WriteVarint(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteArrayLen writes a regular i32 array length, -1 meaning null.
func (w *Writer) WriteArrayLen(n int) { w.WriteInt32(int32(n)) }

// WriteCompactArrayLen writes a compact uvarint(n+1) array length.
// Pass -1 for a null array.
func (w *Writer) WriteCompactArrayLen(n int) { w.WriteUvarint(uint32(n) + 1) }

// WriteUUID writes the 16 raw bytes of a uuid.
func (w *Writer) WriteUUID(id uuid.UUID) { w.buf = append(w.buf, id[:]...) }

// WriteEmptyTaggedFields writes the zero marker for an empty tagged-field set.
func (w *Writer) WriteEmptyTaggedFields() { w.buf = append(w.buf, 0) }

// ReserveInt32 appends four placeholder bytes and returns their offset for a
// later FillInt32. Used for length fields whose value is known only after the
// following data has been written.
func (w *Writer) ReserveInt32() int {
	off := len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
	return off
}

// FillInt32 patches a placeholder written by ReserveInt32.
func (w *Writer) FillInt32(off int, v int32) {
	binary.BigEndian.PutUint32(w.buf[off:], uint32(v))
}

// FillUint32 patches a placeholder written by ReserveInt32 with an unsigned
// value, as used for the record batch CRC.
func (w *Writer) FillUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[off:], v)
}

// UvarintLen returns the encoded size in bytes of v as an unsigned varint.
func UvarintLen(v uint32) int {
	return (bits.Len32(v|1) + 6) / 7
}

// VarintLen returns the encoded size in bytes of v as a zig-zag varint.
func VarintLen(v int32) int {
	return UvarintLen(uint32(v)<<1 ^ uint32(v>>31))
}

// VarlongLen returns the encoded size in bytes of v as a zig-zag 64-bit varint.
func VarlongLen(v int64) int {
	u := uint64(v)<<1 ^ uint64(v>>63)
	return (bits.Len64(u|1) + 6) / 7
}
