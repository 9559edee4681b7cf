package compress

import (
	"github.com/klauspost/compress/zstd"
)

type zstdCodec struct{}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func (zstdCodec) Name() string   { return "zstd" }
func (zstdCodec) Bitmask() int16 { return MaskZstd }

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, nil), nil
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, nil)
}
