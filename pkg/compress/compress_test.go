package compress

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPayloads(t *testing.T) [][]byte {
	t.Helper()

	rnd := rand.New(rand.NewSource(42))
	random := make([]byte, 64*1024)
	_, err := rnd.Read(random)
	require.NoError(t, err)

	return [][]byte{
		{},
		[]byte("x"),
		[]byte("hello, kafka"),
		bytes.Repeat([]byte("abcdef"), 10_000),
		random,
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	for _, mask := range []int16{MaskNone, MaskGzip, MaskSnappy, MaskLZ4, MaskZstd} {
		codec, err := ForMask(mask)
		require.NoError(t, err)

		t.Run(codec.Name(), func(t *testing.T) {
			for _, payload := range testPayloads(t) {
				compressed, err := codec.Compress(payload)
				require.NoError(t, err)

				decompressed, err := codec.Decompress(compressed)
				require.NoError(t, err)
				require.Equal(t, payload, append([]byte{}, decompressed...))
			}
		})
	}
}

func TestCompressibleDataShrinks(t *testing.T) {
	payload := bytes.Repeat([]byte("kafka "), 50_000)
	for _, name := range []string{"gzip", "snappy", "lz4", "zstd"} {
		codec, err := ForName(name)
		require.NoError(t, err)

		compressed, err := codec.Compress(payload)
		require.NoError(t, err)
		require.Less(t, len(compressed), len(payload), name)
	}
}

func TestForMask(t *testing.T) {
	c, err := ForMask(MaskZstd)
	require.NoError(t, err)
	require.Equal(t, "zstd", c.Name())

	// Attribute bits above the compression mask are ignored.
	c, err = ForMask(MaskGzip | 0x10)
	require.NoError(t, err)
	require.Equal(t, "gzip", c.Name())

	_, err = ForMask(7)
	var unsupported *ErrUnsupportedCodec
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, int16(7), unsupported.Mask)
}

func TestForName(t *testing.T) {
	for _, name := range []string{"none", "gzip", "snappy", "lz4", "zstd"} {
		c, err := ForName(name)
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}

	c, err := ForName("")
	require.NoError(t, err)
	require.Equal(t, "none", c.Name())

	_, err = ForName("brotli")
	require.Error(t, err)
}

func TestSnappyXerialFraming(t *testing.T) {
	payload := []byte("interoperability with xerial-framed producers")
	block := snappyCodec{}
	raw, err := block.Compress(payload)
	require.NoError(t, err)

	framed := append([]byte{}, xerialHeader...)
	framed = append(framed, 0, 0, 0, 1, 0, 0, 0, 1) // version, compat
	framed = append(framed, byte(len(raw)>>24), byte(len(raw)>>16), byte(len(raw)>>8), byte(len(raw)))
	framed = append(framed, raw...)

	decompressed, err := block.Decompress(framed)
	require.NoError(t, err)
	require.Equal(t, payload, decompressed)
}
