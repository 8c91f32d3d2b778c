// Package rowstore defines the narrow interface the blobtable core uses to
// reach a wide-column row store, plus an in-memory implementation.
//
// The interface deliberately exposes no statement building, connection
// management, retries or pooling; those are entirely the backing store's
// concern. Implementations: Memory (this package), boltrow (local bbolt
// files) and dynamorow (DynamoDB).
package rowstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("rowstore: not found")

// ColumnType enumerates the value types a column may hold.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeBytes
	TypeTime
)

// Column declares a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema declares a table: partition-key columns determine row placement,
// cluster-key columns order rows within a partition, data columns hold the
// payload.
type Schema struct {
	Table         string
	PartitionKeys []Column
	ClusterKeys   []Column
	DataColumns   []Column
}

// KeyColumns returns the partition and cluster key columns in declaration
// order.
func (s Schema) KeyColumns() []Column {
	keys := make([]Column, 0, len(s.PartitionKeys)+len(s.ClusterKeys))
	keys = append(keys, s.PartitionKeys...)
	keys = append(keys, s.ClusterKeys...)
	return keys
}

// Row is one stored row: column name to value. Supported value types are
// string, int, int64, []byte and time.Time.
type Row map[string]any

// Key is a set of equality conditions on key columns. A Key covering only
// the partition columns selects every row in the partition.
type Key map[string]any

// Store is the narrow access interface to the backing row store. All
// operations are safe for concurrent use and may be slow or fail
// transiently; callers own retry policy.
type Store interface {
	// Provision creates the table for schema if it does not exist.
	Provision(ctx context.Context, schema Schema) error

	// Select returns every row matching key.
	Select(ctx context.Context, table string, key Key) ([]Row, error)

	// SelectOne returns the single row matching key, or ErrNotFound.
	SelectOne(ctx context.Context, table string, key Key) (Row, error)

	// Upsert inserts or replaces the row identified by its key columns.
	// Idempotent.
	Upsert(ctx context.Context, table string, row Row) error

	// Delete removes every row matching key. Removing an absent row is
	// not an error.
	Delete(ctx context.Context, table string, key Key) error
}
