package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/kafkaclient/pkg/compress"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

var fixedNow = time.UnixMilli(1700000000000)

func buildTestBatch(t *testing.T, recs []Record, codec compress.Codec) []byte {
	t.Helper()
	b := Build(recs, BuildOpts{Now: func() time.Time { return fixedNow }})
	w := protocol.NewWriter(512)
	require.NoError(t, b.AppendTo(w, codec))
	return w.Bytes()
}

func sampleRecords() []Record {
	return []Record{
		{
			Key:   []byte("k-0"),
			Value: []byte("v-0"),
			Headers: []Header{
				{Key: "trace", Value: []byte("abc")},
				{Key: "trace", Value: []byte("def")}, // duplicates allowed
				{Key: "source", Value: nil},
			},
			Timestamp: fixedNow,
		},
		{Key: nil, Value: []byte("v-1"), Timestamp: fixedNow.Add(250 * time.Millisecond)},
		{Key: []byte("k-2"), Value: []byte("v-2"), Timestamp: fixedNow.Add(time.Second)},
	}
}

func TestBatchRoundTrip(t *testing.T) {
	wire := buildTestBatch(t, sampleRecords(), nil)

	b, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, int64(0), b.FirstOffset)
	require.Equal(t, int32(2), b.LastOffsetDelta)
	require.Equal(t, fixedNow.UnixMilli(), b.FirstTimestamp)
	require.Equal(t, fixedNow.Add(time.Second).UnixMilli(), b.MaxTimestamp)
	require.Equal(t, int64(-1), b.ProducerID)
	require.Equal(t, int16(-1), b.ProducerEpoch)
	require.Len(t, b.Records, 3)

	require.Equal(t, []byte("k-0"), b.Records[0].Key)
	require.Equal(t, []byte("v-0"), b.Records[0].Value)
	require.Equal(t, []Header{
		{Key: "trace", Value: []byte("abc")},
		{Key: "trace", Value: []byte("def")},
		{Key: "source", Value: nil},
	}, b.Records[0].Headers)

	require.Nil(t, b.Records[1].Key)
	require.Equal(t, int64(1), b.Records[1].Offset)
	require.Equal(t, fixedNow.Add(250*time.Millisecond).UnixMilli(), b.Records[1].Timestamp.UnixMilli())
	require.Equal(t, int64(2), b.Records[2].Offset)
}

func TestBatchRoundTripCompressed(t *testing.T) {
	for _, name := range []string{"gzip", "snappy", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			codec, err := compress.ForName(name)
			require.NoError(t, err)

			wire := buildTestBatch(t, sampleRecords(), codec)
			b, err := Decode(wire)
			require.NoError(t, err)
			require.Equal(t, codec.Bitmask(), b.Attributes&compress.AttributesMask)
			require.Len(t, b.Records, 3)
			require.Equal(t, []byte("v-2"), b.Records[2].Value)
		})
	}
}

func TestBatchCRC(t *testing.T) {
	wire := buildTestBatch(t, sampleRecords(), nil)

	// The stored CRC covers everything from attributes onward.
	length := int32(protocol.NewReader(wire[8:]).ReadInt32())
	require.Equal(t, int(length)+12, len(wire))
	stored := protocol.NewReader(wire[17:]).ReadUint32()
	require.Equal(t, protocol.CRC32C(wire[21:]), stored)

	// Flipping any bit after the CRC field invalidates the batch.
	for _, pos := range []int{21, 30, 45, len(wire) - 1} {
		corrupted := append([]byte{}, wire...)
		corrupted[pos] ^= 0x01
		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrCRCMismatch, "flipped byte %d", pos)
	}
}

func TestBatchBadMagic(t *testing.T) {
	wire := buildTestBatch(t, sampleRecords(), nil)
	wire[16] = 1
	_, err := Decode(wire)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestBatchTooShort(t *testing.T) {
	wire := buildTestBatch(t, sampleRecords(), nil)
	_, err := Decode(wire[:40])
	require.ErrorIs(t, err, protocol.ErrOutOfBounds)
}

func TestBuildTimestampDefaults(t *testing.T) {
	recs := []Record{{Value: []byte("a")}, {Value: []byte("b")}}
	b := Build(recs, BuildOpts{Now: func() time.Time { return fixedNow }})
	require.Equal(t, fixedNow.UnixMilli(), b.FirstTimestamp)
	require.Equal(t, fixedNow.UnixMilli(), b.MaxTimestamp)
	require.Equal(t, fixedNow, b.Records[0].Timestamp)
}

func TestBuildIdempotentIdentity(t *testing.T) {
	b := Build(sampleRecords(), BuildOpts{
		Idempotent:    true,
		ProducerID:    1234,
		ProducerEpoch: 5,
		FirstSequence: 42,
	})
	require.Equal(t, int64(1234), b.ProducerID)
	require.Equal(t, int16(5), b.ProducerEpoch)
	require.Equal(t, int32(42), b.FirstSequence)

	wire := protocol.NewWriter(512)
	require.NoError(t, b.AppendTo(wire, nil))
	decoded, err := Decode(wire.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(1234), decoded.ProducerID)
	require.Equal(t, int16(5), decoded.ProducerEpoch)
	require.Equal(t, int32(42), decoded.FirstSequence)
}

func TestReadBatchesConcatenated(t *testing.T) {
	first := buildTestBatch(t, sampleRecords(), nil)
	second := buildTestBatch(t, []Record{{Value: []byte("solo"), Timestamp: fixedNow}}, nil)
	wire := append(append([]byte{}, first...), second...)

	batches, err := ReadBatches(wire)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Records, 3)
	require.Len(t, batches[1].Records, 1)
}

func TestReadBatchesTruncatedTail(t *testing.T) {
	first := buildTestBatch(t, sampleRecords(), nil)
	second := buildTestBatch(t, []Record{{Value: []byte("solo"), Timestamp: fixedNow}}, nil)

	// The broker may cut the final batch anywhere to honor the partition
	// byte limit; only fully framed batches are surfaced.
	for cut := 1; cut < len(second); cut += 7 {
		wire := append(append([]byte{}, first...), second[:cut]...)
		batches, err := ReadBatches(wire)
		require.NoError(t, err, "cut %d", cut)
		require.Len(t, batches, 1, "cut %d", cut)
	}
}

func TestReadBatchesEmpty(t *testing.T) {
	batches, err := ReadBatches(nil)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestReadBatchesCorruptBatchSurfaces(t *testing.T) {
	first := buildTestBatch(t, sampleRecords(), nil)
	corrupted := append([]byte{}, first...)
	corrupted[len(corrupted)-1] ^= 0x01

	batches, err := ReadBatches(corrupted)
	require.ErrorIs(t, err, ErrCRCMismatch)
	require.Empty(t, batches)
}
