package postgres

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header every zstd stream starts with. Stored
// payloads are either plain JSON or a single zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// DefaultCompressThreshold is the payload size above which staging payloads
// are compressed.
const DefaultCompressThreshold = 4 * 1024

// PayloadCodec compresses large staging payloads with zstd.
// Safe for concurrent use.
type PayloadCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewPayloadCodec creates a codec. A non-positive threshold uses
// DefaultCompressThreshold.
func NewPayloadCodec(threshold int) (*PayloadCodec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &PayloadCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

// Encode returns p unchanged below the threshold, a zstd frame otherwise.
func (c *PayloadCodec) Encode(p []byte) []byte {
	if len(p) <= c.threshold {
		return p
	}
	return c.encoder.EncodeAll(p, make([]byte, 0, len(p)/2))
}

// Decode reverses Encode.
func (c *PayloadCodec) Decode(p []byte) ([]byte, error) {
	if !bytes.HasPrefix(p, zstdMagic) {
		return p, nil
	}
	out, err := c.decoder.DecodeAll(p, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress staging payload: %w", err)
	}
	return out, nil
}
