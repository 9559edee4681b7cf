package compress

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/snappy"
)

type snappyCodec struct{}

func (snappyCodec) Name() string   { return "snappy" }
func (snappyCodec) Bitmask() int16 { return MaskSnappy }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// xerialHeader prefixes snappy payloads produced by the xerial java library.
// Some brokers and clients still emit it, so decompression accepts both the
// raw block format and xerial framing.
var xerialHeader = []byte{130, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) < 16 || !bytes.Equal(src[:8], xerialHeader) {
		return snappy.Decode(nil, src)
	}

	var out []byte
	for chunk := src[16:]; len(chunk) > 4; {
		n := binary.BigEndian.Uint32(chunk)
		chunk = chunk[4:]
		if uint32(len(chunk)) < n {
			return nil, snappy.ErrCorrupt
		}
		dec, err := snappy.Decode(nil, chunk[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, dec...)
		chunk = chunk[n:]
	}
	return out, nil
}
