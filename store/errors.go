package store

import "errors"

var (
	// ErrNotFound is returned when a requested blob or segment does not
	// exist. Metadata lookups return a nil blob instead; this sentinel is
	// used on the stream paths where absence is a hard failure.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionExists is returned when creating a stream for a
	// (name, version) pair that already exists.
	ErrVersionExists = errors.New("store: blob version already exists")

	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("store: stream closed")

	// ErrSeekOutOfRange is returned when seeking at or beyond the blob
	// length, or before the start.
	ErrSeekOutOfRange = errors.New("store: seek out of range")

	// ErrTruncatedBlob is returned when the metadata promises a segment
	// the segment table does not hold. Fatal to the stream that hit it.
	ErrTruncatedBlob = errors.New("store: blob truncated: segment missing")

	// ErrCorrupted is returned when a segment payload fails digest
	// verification.
	ErrCorrupted = errors.New("store: segment digest mismatch")
)
