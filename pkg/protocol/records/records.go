// Package records implements the v2 Kafka record batch format: a fixed
// header followed by varint-encoded records, optionally compressed en bloc.
package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/grafana/kafkaclient/pkg/compress"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

const (
	// Magic is the record batch format version implemented here.
	Magic int8 = 2

	// headerSize is the byte length of the fixed batch header, first offset
	// through records count.
	headerSize = 61

	// lengthFieldEnd is the offset of the first byte after the batch length
	// field; the length field covers everything that follows it.
	lengthFieldEnd = 12

	// crcStart is the offset of the attributes field, the first byte
	// covered by the batch CRC.
	crcStart = 21

	attrTransactional int16 = 1 << 4
	attrControl       int16 = 1 << 5
)

var (
	// ErrBadMagic is returned when a batch does not carry magic byte 2.
	ErrBadMagic = errors.New("records: unsupported batch magic byte")

	// ErrCRCMismatch is returned when the stored batch CRC does not match
	// the checksum of the batch body.
	ErrCRCMismatch = errors.New("records: batch crc mismatch")
)

// Header is one record header. Duplicate keys are permitted and order is
// preserved on the wire.
type Header struct {
	Key   string
	Value []byte
}

// Record is a single decoded or to-be-encoded record.
type Record struct {
	Key     []byte
	Value   []byte
	Headers []Header

	// Timestamp is the record timestamp. Zero means "assign at encode
	// time" on the produce path.
	Timestamp time.Time

	// Offset is the absolute offset, populated on decode.
	Offset int64
}

// Batch is a v2 record batch.
type Batch struct {
	FirstOffset          int64
	PartitionLeaderEpoch int32
	Attributes           int16
	LastOffsetDelta      int32
	FirstTimestamp       int64
	MaxTimestamp         int64
	ProducerID           int64
	ProducerEpoch        int16
	FirstSequence        int32

	Records []Record
}

// IsControl reports whether the control attribute bit is set.
func (b *Batch) IsControl() bool { return b.Attributes&attrControl != 0 }

// IsTransactional reports whether the transactional attribute bit is set.
func (b *Batch) IsTransactional() bool { return b.Attributes&attrTransactional != 0 }

// BuildOpts carries the producer-side fields of a batch under construction.
// The zero value builds a non-idempotent batch.
type BuildOpts struct {
	// Idempotent enables the producer identity fields below. When false the
	// batch is stamped with the -1 sentinels.
	Idempotent    bool
	ProducerID    int64
	ProducerEpoch int16
	FirstSequence int32

	// Now supplies timestamps for records that do not carry one. Defaults
	// to time.Now.
	Now func() time.Time
}

// Build assembles a batch from records, assigning offset deltas by position
// and timestamp deltas relative to the first record.
func Build(recs []Record, opts BuildOpts) *Batch {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	b := &Batch{
		PartitionLeaderEpoch: -1,
		ProducerID:           -1,
		ProducerEpoch:        -1,
		FirstSequence:        -1,
		LastOffsetDelta:      int32(len(recs)) - 1,
		Records:              recs,
	}
	if opts.Idempotent {
		b.ProducerID = opts.ProducerID
		b.ProducerEpoch = opts.ProducerEpoch
		b.FirstSequence = opts.FirstSequence
	}

	for i := range recs {
		if recs[i].Timestamp.IsZero() {
			recs[i].Timestamp = now()
		}
		ts := recs[i].Timestamp.UnixMilli()
		if i == 0 {
			b.FirstTimestamp = ts
			b.MaxTimestamp = ts
		} else if ts > b.MaxTimestamp {
			b.MaxTimestamp = ts
		}
	}
	return b
}

// AppendTo encodes the batch, compressing the records area with codec when it
// is not the passthrough codec, and appends the wire form to w.
func (b *Batch) AppendTo(w *protocol.Writer, codec compress.Codec) error {
	body := protocol.NewWriter(512)
	for i := range b.Records {
		appendRecord(body, &b.Records[i], int32(i), b.FirstTimestamp)
	}

	payload := body.Bytes()
	attributes := b.Attributes &^ compress.AttributesMask
	if codec != nil && codec.Bitmask() != compress.MaskNone {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return fmt.Errorf("records: compressing batch: %w", err)
		}
		payload = compressed
		attributes |= codec.Bitmask()
	}

	w.WriteInt64(b.FirstOffset)
	lengthAt := w.ReserveInt32()
	w.WriteInt32(b.PartitionLeaderEpoch)
	w.WriteInt8(Magic)
	crcAt := w.ReserveInt32()

	crcFrom := w.Len()
	w.WriteInt16(attributes)
	w.WriteInt32(b.LastOffsetDelta)
	w.WriteInt64(b.FirstTimestamp)
	w.WriteInt64(b.MaxTimestamp)
	w.WriteInt64(b.ProducerID)
	w.WriteInt16(b.ProducerEpoch)
	w.WriteInt32(b.FirstSequence)
	w.WriteInt32(int32(len(b.Records)))
	w.WriteRawBytes(payload)

	w.FillUint32(crcAt, protocol.CRC32C(w.Bytes()[crcFrom:]))
	w.FillInt32(lengthAt, int32(w.Len()-lengthAt-4))
	return nil
}

func appendRecord(w *protocol.Writer, rec *Record, offsetDelta int32, firstTimestamp int64) {
	tsDelta := rec.Timestamp.UnixMilli() - firstTimestamp

	size := 1 + // attributes
		protocol.VarlongLen(tsDelta) +
		protocol.VarintLen(offsetDelta) +
		varintBytesLen(rec.Key) +
		varintBytesLen(rec.Value) +
		protocol.VarintLen(int32(len(rec.Headers)))
	for _, h := range rec.Headers {
		size += protocol.VarintLen(int32(len(h.Key))) + len(h.Key)
		size += varintBytesLen(h.Value)
	}

	w.WriteVarint(int32(size))
	w.WriteInt8(0) // record-level attributes are unused
	w.WriteVarlong(tsDelta)
	w.WriteVarint(offsetDelta)
	w.WriteVarintBytes(rec.Key)
	w.WriteVarintBytes(rec.Value)
	w.WriteVarint(int32(len(rec.Headers)))
	for _, h := range rec.Headers {
		w.WriteVarint(int32(len(h.Key)))
		w.WriteRawBytes([]byte(h.Key))
		w.WriteVarintBytes(h.Value)
	}
}

func varintBytesLen(b []byte) int {
	if b == nil {
		return protocol.VarintLen(-1)
	}
	return protocol.VarintLen(int32(len(b))) + len(b)
}

// Decode parses one full batch from buf, verifying magic and CRC and
// decompressing the records area as indicated by the attribute bits.
func Decode(buf []byte) (*Batch, error) {
	if len(buf) < headerSize {
		return nil, protocol.ErrOutOfBounds
	}

	r := protocol.NewReader(buf)
	b := &Batch{}
	b.FirstOffset = r.ReadInt64()
	length := r.ReadInt32()
	if int(length) > len(buf)-lengthFieldEnd || int(length) < headerSize-lengthFieldEnd {
		return nil, protocol.ErrOutOfBounds
	}
	b.PartitionLeaderEpoch = r.ReadInt32()
	if magic := r.ReadInt8(); magic != Magic {
		return nil, fmt.Errorf("%w: got %d", ErrBadMagic, magic)
	}

	crc := r.ReadUint32()
	end := lengthFieldEnd + int(length)
	if got := protocol.CRC32C(buf[crcStart:end]); got != crc {
		return nil, fmt.Errorf("%w: stored %d, computed %d", ErrCRCMismatch, crc, got)
	}

	b.Attributes = r.ReadInt16()
	b.LastOffsetDelta = r.ReadInt32()
	b.FirstTimestamp = r.ReadInt64()
	b.MaxTimestamp = r.ReadInt64()
	b.ProducerID = r.ReadInt64()
	b.ProducerEpoch = r.ReadInt16()
	b.FirstSequence = r.ReadInt32()
	count := r.ReadInt32()
	if err := r.Err(); err != nil {
		return nil, err
	}

	payload := buf[headerSize:end]
	codec, err := compress.ForMask(b.Attributes)
	if err != nil {
		return nil, err
	}
	payload, err = codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("records: decompressing batch: %w", err)
	}

	rr := protocol.NewReader(payload)
	b.Records = make([]Record, 0, count)
	for i := int32(0); i < count; i++ {
		rec, err := readRecord(rr, b)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func readRecord(r *protocol.Reader, b *Batch) (Record, error) {
	size := r.ReadVarint()
	body := protocol.NewReader(r.Span(int(size)))
	if err := r.Err(); err != nil {
		return Record{}, err
	}

	_ = body.ReadInt8() // record-level attributes
	tsDelta := body.ReadVarlong()
	offsetDelta := body.ReadVarint()
	key := body.ReadVarintBytes()
	value := body.ReadVarintBytes()

	rec := Record{
		Key:       key,
		Value:     value,
		Timestamp: time.UnixMilli(b.FirstTimestamp + tsDelta),
		Offset:    b.FirstOffset + int64(offsetDelta),
	}

	nHeaders := body.ReadVarint()
	if nHeaders > 0 {
		rec.Headers = make([]Header, 0, nHeaders)
		for i := int32(0); i < nHeaders; i++ {
			keyLen := body.ReadVarint()
			key := string(body.Span(int(keyLen)))
			rec.Headers = append(rec.Headers, Header{Key: key, Value: body.ReadVarintBytes()})
		}
	}
	return rec, body.Err()
}

// ReadBatches parses consecutive batches from a fetch response partition
// payload. A trailing batch truncated by the broker to honor the partition
// byte limit is discarded; fully parsed batches before it are returned.
func ReadBatches(buf []byte) ([]*Batch, error) {
	var batches []*Batch
	for len(buf) > lengthFieldEnd {
		r := protocol.NewReader(buf[8:])
		length := int(r.ReadInt32())
		total := lengthFieldEnd + length
		if length <= 0 || len(buf) < total {
			// Truncated tail: only ever valid after at least the size
			// field of a following batch, which is all we looked at.
			return batches, nil
		}

		b, err := Decode(buf[:total])
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
		buf = buf[total:]
	}
	return batches, nil
}
