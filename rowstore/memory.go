package rowstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and examples. Rows are indexed by
// the encoded key-column values of their schema.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	schema Schema
	rows   map[string]Row
}

// NewMemory creates an empty in-memory row store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// Provision registers the table for schema.
func (m *Memory) Provision(_ context.Context, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[schema.Table]; ok {
		return nil
	}
	m.tables[schema.Table] = &memTable{schema: schema, rows: make(map[string]Row)}
	return nil
}

func (m *Memory) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("rowstore: table %s not provisioned", name)
	}
	return t, nil
}

// Select returns every row whose key columns match key.
func (m *Memory) Select(_ context.Context, table string, key Key) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(table)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range t.rows {
		if rowMatches(row, key) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

// SelectOne returns the single row matching key, or ErrNotFound.
func (m *Memory) SelectOne(_ context.Context, table string, key Key) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(table)
	if err != nil {
		return nil, err
	}

	for _, row := range t.rows {
		if rowMatches(row, key) {
			return cloneRow(row), nil
		}
	}
	return nil, ErrNotFound
}

// Upsert inserts or replaces the row identified by its key columns.
func (m *Memory) Upsert(_ context.Context, table string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(table)
	if err != nil {
		return err
	}

	id, err := encodeKey(t.schema, row)
	if err != nil {
		return err
	}
	t.rows[id] = cloneRow(row)
	return nil
}

// Delete removes every row matching key.
func (m *Memory) Delete(_ context.Context, table string, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(table)
	if err != nil {
		return err
	}

	for id, row := range t.rows {
		if rowMatches(row, key) {
			delete(t.rows, id)
		}
	}
	return nil
}

// Len returns the number of rows in a table. Test helper.
func (m *Memory) Len(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[table]
	if !ok {
		return 0
	}
	return len(t.rows)
}

func rowMatches(row Row, key Key) bool {
	for col, want := range key {
		if !valueEqual(row[col], want) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	// Normalise the integer widths callers mix freely.
	if ai, ok := asInt64(a); ok {
		bi, ok := asInt64(b)
		return ok && ai == bi
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && string(ab) == string(bb)
	}
	return a == b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func encodeKey(schema Schema, row Row) (string, error) {
	id := ""
	for _, col := range schema.KeyColumns() {
		v, ok := row[col.Name]
		if !ok {
			return "", fmt.Errorf("rowstore: row missing key column %s", col.Name)
		}
		id += encodeValue(v) + "\x00"
	}
	return id, nil
}

func encodeValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case []byte:
		return string(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			out[k] = append([]byte(nil), b...)
			continue
		}
		out[k] = v
	}
	return out
}
