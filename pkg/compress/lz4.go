package compress

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Codec struct{}

func (lz4Codec) Name() string   { return "lz4" }
func (lz4Codec) Bitmask() int16 { return MaskLZ4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}
