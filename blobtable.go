// Package blobtable stores arbitrarily large byte streams inside a
// wide-column row store by splitting content into fixed-size segments.
// Mutations are buffered in write-back TTL caches and persisted lazily; see
// the cache and store packages.
package blobtable

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSegmentLength is the capacity of a single segment buffer unless a
// stream is created with an explicit segment length.
const DefaultSegmentLength = 256 * 1024

// Blob describes one version of a logical blob. Blobs are keyed by
// (Name, Version); every version carries its own freshly generated BlobID so
// segment keys never collide across versions.
type Blob struct {
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	BlobID        string         `json:"blob_id"`
	Length        int64          `json:"length"`
	SegmentCount  int            `json:"segment_count"`
	SegmentLength int            `json:"segment_length"`
	TimeCreated   time.Time      `json:"time_created"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Key returns the composite metadata key for the blob.
func (b *Blob) Key() string {
	return b.Name + "@" + strconv.Itoa(b.Version)
}

// Clone returns an independent copy of the descriptor, metadata included.
func (b *Blob) Clone() *Blob {
	out := *b
	if b.Metadata != nil {
		out.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Segment is one fixed-capacity chunk of a blob's bytes. Dirty is true only
// when the buffer has been mutated in this process since it was last
// persisted; clean segments are never written back.
type Segment struct {
	BlobID string
	Index  int
	Data   []byte
	Dirty  bool
}

// Key returns the composite cache key for the segment.
func (s *Segment) Key() string {
	return SegmentKey(s.BlobID, s.Index)
}

// NewBlobID generates a unique blob identifier.
func NewBlobID() string {
	return uuid.NewString()
}

// SegmentKey returns the cache key for a (blobID, index) pair.
// Format: {blobID}|{index}
func SegmentKey(blobID string, index int) string {
	return blobID + "|" + strconv.Itoa(index)
}

// ParseSegmentKey splits a segment cache key back into its parts.
func ParseSegmentKey(key string) (string, int, error) {
	blobID, idx, ok := strings.Cut(key, "|")
	if !ok || blobID == "" {
		return "", 0, fmt.Errorf("invalid segment key: %s", key)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid segment index in key %s", key)
	}
	return blobID, index, nil
}
