package boltstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/furanomi/furanomi-sw/backend"
)

const (
	// DefaultCompressionThreshold is the body size below which bodies are
	// stored uncompressed. zstd framing costs more than it saves below 2KB.
	DefaultCompressionThreshold = 2048

	// DefaultMaxBodySize caps a single stored body.
	DefaultMaxBodySize = 32 * 1024 * 1024
)

var (
	// ErrCorrupted is returned when a stored body does not match its hash.
	ErrCorrupted = errors.New("boltstore: body digest mismatch")

	// ErrDecompressionBomb is returned when a body decodes past its recorded size.
	ErrDecompressionBomb = errors.New("boltstore: decompressed body exceeds recorded size")
)

// bodyCodec compresses bodies with zstd. Encoder and decoder are
// goroutine-safe and shared.
type bodyCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
	mu        sync.RWMutex
}

func newBodyCodec(threshold int) (*bodyCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &bodyCodec{encoder: enc, decoder: dec, threshold: threshold}, nil
}

func (c *bodyCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data when it is large enough and compression helps.
func (c *bodyCodec) encode(data []byte) ([]byte, string) {
	if len(data) < c.threshold {
		return data, backend.EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, backend.EncodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, backend.EncodingIdentity
	}
	return compressed, backend.EncodingZstd
}

func (c *bodyCodec) decode(payload []byte, encoding string, size int64) ([]byte, error) {
	switch encoding {
	case backend.EncodingIdentity, "":
		return payload, nil
	case backend.EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	out, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	if int64(len(out)) > size {
		return nil, ErrDecompressionBomb
	}
	return out, nil
}
