// Package compress provides the record-batch compression codecs. A codec is
// selected by the low three bits of the batch attributes.
package compress

import (
	"fmt"
)

// Bitmasks as stored in record batch attribute bits 0..2.
const (
	MaskNone   int16 = 0
	MaskGzip   int16 = 1
	MaskSnappy int16 = 2
	MaskLZ4    int16 = 3
	MaskZstd   int16 = 4

	// AttributesMask extracts the compression bits from batch attributes.
	AttributesMask int16 = 0x07
)

// ErrUnsupportedCodec is returned when the attribute bits select a codec this
// build does not provide.
type ErrUnsupportedCodec struct {
	Mask int16
}

func (e *ErrUnsupportedCodec) Error() string {
	return fmt.Sprintf("compress: unsupported compression codec %d", e.Mask)
}

// Codec compresses and decompresses whole record-batch payloads. Codecs are
// stateless and safe for concurrent use.
type Codec interface {
	// Name is the codec's configuration name (gzip, snappy, lz4, zstd).
	Name() string
	// Bitmask is the codec's value for batch attribute bits 0..2.
	Bitmask() int16
	// Compress returns the compressed form of src.
	Compress(src []byte) ([]byte, error)
	// Decompress returns the uncompressed form of src.
	Decompress(src []byte) ([]byte, error)
}

var codecs = map[int16]Codec{
	MaskNone:   noneCodec{},
	MaskGzip:   gzipCodec{},
	MaskSnappy: snappyCodec{},
	MaskLZ4:    lz4Codec{},
	MaskZstd:   zstdCodec{},
}

var byName = func() map[string]Codec {
	m := make(map[string]Codec, len(codecs))
	for _, c := range codecs {
		m[c.Name()] = c
	}
	return m
}()

// ForMask returns the codec for the given attribute bits.
func ForMask(mask int16) (Codec, error) {
	c, ok := codecs[mask&AttributesMask]
	if !ok {
		return nil, &ErrUnsupportedCodec{Mask: mask & AttributesMask}
	}
	return c, nil
}

// ForName returns the codec with the given configuration name.
func ForName(name string) (Codec, error) {
	if name == "" {
		return noneCodec{}, nil
	}
	c, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("compress: unknown compression %q", name)
	}
	return c, nil
}

// noneCodec passes payloads through untouched.
type noneCodec struct{}

func (noneCodec) Name() string   { return "none" }
func (noneCodec) Bitmask() int16 { return MaskNone }

func (noneCodec) Compress(src []byte) ([]byte, error) { return src, nil }

func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }
