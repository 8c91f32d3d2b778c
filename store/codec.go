package store

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered; zstd overhead is not worth it below this.
	compressionThreshold = 2048

	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

// segmentCodec encodes segment payloads for the row store: BLAKE3 digest on
// every payload, zstd compression when it pays off. Encoder and decoder are
// goroutine-safe and reused.
type segmentCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newSegmentCodec() (*segmentCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &segmentCodec{encoder: enc, decoder: dec}, nil
}

func (c *segmentCodec) Close() {
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

// Encode returns the stored payload, the encoding label and the hex BLAKE3
// digest of the raw data.
func (c *segmentCodec) Encode(data []byte) (payload []byte, encoding, digest string) {
	sum := blake3.Sum256(data)
	digest = hex.EncodeToString(sum[:])

	if len(data) < compressionThreshold {
		return data, encodingRaw, digest
	}

	c.mu.RLock()
	compressed := c.encoder.EncodeAll(data, nil)
	c.mu.RUnlock()

	if len(compressed) >= len(data) {
		return data, encodingRaw, digest
	}
	return compressed, encodingZstd, digest
}

// Decode reverses Encode and verifies the digest. rawLen bounds the
// decompressed size to guard against corrupt length metadata.
func (c *segmentCodec) Decode(payload []byte, encoding, digest string, rawLen int) ([]byte, error) {
	var data []byte
	switch encoding {
	case encodingRaw, "":
		data = payload
	case encodingZstd:
		c.mu.RLock()
		decompressed, err := c.decoder.DecodeAll(payload, make([]byte, 0, rawLen))
		c.mu.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("decompressing segment: %w", err)
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unknown segment encoding %q", encoding)
	}

	if rawLen >= 0 && len(data) != rawLen {
		return nil, fmt.Errorf("%w: length %d, expected %d", ErrCorrupted, len(data), rawLen)
	}

	if digest != "" {
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != digest {
			return nil, ErrCorrupted
		}
	}

	return data, nil
}
