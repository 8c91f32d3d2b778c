// Package boltrow implements rowstore.Store on a local bbolt file, one
// bucket per table. Intended for development and single-node deployments;
// production use pairs the core with dynamorow.
package boltrow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/blobtable/rowstore"
)

// keySep separates encoded key-column values inside a bucket key.
const keySep = "\x00"

// Store implements rowstore.Store using bbolt.
type Store struct {
	db      *bbolt.DB
	logger  *slog.Logger
	schemas map[string]rowstore.Schema
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:  slog.Default(),
		schemas: make(map[string]rowstore.Schema),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	s.logger.Debug("opened boltrow store", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Provision creates the bucket for schema if it does not exist.
func (s *Store) Provision(_ context.Context, schema rowstore.Schema) error {
	s.schemas[schema.Table] = schema
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(schema.Table)); err != nil {
			return fmt.Errorf("creating bucket %s: %w", schema.Table, err)
		}
		return nil
	})
}

func (s *Store) schema(table string) (rowstore.Schema, error) {
	schema, ok := s.schemas[table]
	if !ok {
		return rowstore.Schema{}, fmt.Errorf("boltrow: table %s not provisioned", table)
	}
	return schema, nil
}

// Select returns every row matching key. A key covering only the partition
// columns becomes a prefix scan over the partition.
func (s *Store) Select(_ context.Context, table string, key rowstore.Key) ([]rowstore.Row, error) {
	schema, err := s.schema(table)
	if err != nil {
		return nil, err
	}

	prefix, exact, err := keyPrefix(schema, key)
	if err != nil {
		return nil, err
	}

	var out []rowstore.Row
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}

		if exact {
			v := bucket.Get(prefix)
			if v == nil {
				return nil
			}
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			out = append(out, row)
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SelectOne returns the single row matching key, or rowstore.ErrNotFound.
func (s *Store) SelectOne(_ context.Context, table string, key rowstore.Key) (rowstore.Row, error) {
	schema, err := s.schema(table)
	if err != nil {
		return nil, err
	}

	full, err := encodeFullKey(schema, key)
	if err != nil {
		return nil, err
	}

	var row rowstore.Row
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return rowstore.ErrNotFound
		}
		v := bucket.Get(full)
		if v == nil {
			return rowstore.ErrNotFound
		}
		var derr error
		row, derr = decodeRow(v)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Upsert inserts or replaces the row identified by its key columns.
func (s *Store) Upsert(_ context.Context, table string, row rowstore.Row) error {
	schema, err := s.schema(table)
	if err != nil {
		return err
	}

	full, err := encodeFullKey(schema, rowstore.Key(row))
	if err != nil {
		return err
	}
	data, err := encodeRow(row)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return fmt.Errorf("boltrow: bucket %s missing", table)
		}
		return bucket.Put(full, data)
	})
}

// Delete removes every row matching key.
func (s *Store) Delete(_ context.Context, table string, key rowstore.Key) error {
	schema, err := s.schema(table)
	if err != nil {
		return err
	}

	prefix, exact, err := keyPrefix(schema, key)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}

		if exact {
			return bucket.Delete(prefix)
		}

		var doomed [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// keyPrefix encodes the leading key columns present in key, in schema order.
// It returns the encoded prefix and whether key covered every key column
// (an exact match rather than a partition scan). Key columns must be
// provided without gaps.
func keyPrefix(schema rowstore.Schema, key rowstore.Key) ([]byte, bool, error) {
	cols := schema.KeyColumns()
	var buf bytes.Buffer
	covered := 0
	for _, col := range cols {
		v, ok := key[col.Name]
		if !ok {
			break
		}
		buf.WriteString(encodeKeyValue(v))
		buf.WriteString(keySep)
		covered++
	}
	if covered == 0 {
		return nil, false, fmt.Errorf("boltrow: key covers no key columns of %s", schema.Table)
	}
	if covered < len(schema.PartitionKeys) {
		return nil, false, fmt.Errorf("boltrow: key must cover all partition columns of %s", schema.Table)
	}
	return buf.Bytes(), covered == len(cols), nil
}

func encodeFullKey(schema rowstore.Schema, key rowstore.Key) ([]byte, error) {
	prefix, exact, err := keyPrefix(schema, key)
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, fmt.Errorf("boltrow: key must cover every key column of %s", schema.Table)
	}
	return prefix, nil
}

func encodeKeyValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case []byte:
		return base64.StdEncoding.EncodeToString(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// jsonRow is the stored form of a row. Byte and time values carry type tags
// so they decode back to the same Go types.
type jsonValue struct {
	S *string `json:"s,omitempty"`
	I *int64  `json:"i,omitempty"`
	B []byte  `json:"b,omitempty"`
	T *string `json:"t,omitempty"`
}

func encodeRow(row rowstore.Row) ([]byte, error) {
	out := make(map[string]jsonValue, len(row))
	for col, v := range row {
		switch n := v.(type) {
		case string:
			out[col] = jsonValue{S: &n}
		case int:
			i := int64(n)
			out[col] = jsonValue{I: &i}
		case int64:
			out[col] = jsonValue{I: &n}
		case []byte:
			out[col] = jsonValue{B: n}
		case time.Time:
			t := n.UTC().Format(time.RFC3339Nano)
			out[col] = jsonValue{T: &t}
		default:
			return nil, fmt.Errorf("boltrow: unsupported value type %T for column %s", v, col)
		}
	}
	return json.Marshal(out)
}

func decodeRow(data []byte) (rowstore.Row, error) {
	var raw map[string]jsonValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}

	row := make(rowstore.Row, len(raw))
	for col, v := range raw {
		switch {
		case v.S != nil:
			row[col] = *v.S
		case v.I != nil:
			row[col] = *v.I
		case v.T != nil:
			t, err := time.Parse(time.RFC3339Nano, *v.T)
			if err != nil {
				return nil, fmt.Errorf("decoding time column %s: %w", col, err)
			}
			row[col] = t
		default:
			row[col] = v.B
		}
	}
	return row, nil
}
