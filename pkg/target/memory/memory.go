// Package memory implements an in-memory target.Client: a per-table
// PK -> row map plus a per-row version counter. This is the target whose
// final state the property-test harness in pkg/replicator compares
// against its ground-truth model (SPEC_FULL.md §8).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/block/chreplicator/pkg/target"
)

type tableState struct {
	fields     []target.Field
	primaryKey string
	pkIndex    int
	rows       map[string]versionedRow
}

type versionedRow struct {
	row     []any
	version uint64
}

// Client is an in-memory target.Client.
type Client struct {
	mu        sync.Mutex
	versions  *target.VersionSource
	tables    map[string]*tableState
	recreated int
}

// New returns an empty in-memory target client, wired to versions so
// Insert assigns strictly increasing per-table row versions exactly as
// the real ClickHouse client would.
func New(versions *target.VersionSource) *Client {
	return &Client{versions: versions, tables: make(map[string]*tableState)}
}

func (c *Client) RecreateDatabase(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*tableState)
	c.recreated++
	return nil
}

func (c *Client) CreateTable(_ context.Context, tableName string, fields []target.Field, primaryKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pkIndex := -1
	for i, f := range fields {
		if f.Name == primaryKey {
			pkIndex = i
			break
		}
	}
	c.tables[tableName] = &tableState{
		fields:     fields,
		primaryKey: primaryKey,
		pkIndex:    pkIndex,
		rows:       make(map[string]versionedRow),
	}
	return nil
}

func (c *Client) Insert(_ context.Context, table string, rows [][]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return tableNotFound(table)
	}
	for _, row := range rows {
		key := hashKey(row[t.pkIndex])
		version := c.versions.Next(table)
		// Last-writer-wins by version: only replace if this version is
		// newer than whatever is currently stored (guards against a
		// stale redelivery racing ahead of a newer one -- in practice
		// Insert is called in delivery order so this is always true,
		// but it documents the convergence contract explicitly).
		existing, present := t.rows[key]
		if !present || version > existing.version {
			t.rows[key] = versionedRow{row: row, version: version}
		}
	}
	return nil
}

func (c *Client) Erase(_ context.Context, table, _ string, fieldValues []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return tableNotFound(table)
	}
	for _, v := range fieldValues {
		delete(t.rows, v)
	}
	return nil
}

func (c *Client) ExecuteCommand(_ context.Context, _ string) error {
	return nil
}

// Rows returns a snapshot copy of table's current PK -> row state, keyed
// by hashed PK. The map is unordered; use SortedKeys for a stable order.
func (c *Client) Rows(table string) map[string][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := make(map[string][]any, len(t.rows))
	for k, v := range t.rows {
		out[k] = v.row
	}
	return out
}

// SortedKeys returns table's current row keys in sorted order, useful
// for deterministic test output.
func (c *Client) SortedKeys(table string) []string {
	rows := c.Rows(table)
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ target.Client = (*Client)(nil)

type tableNotFound string

func (t tableNotFound) Error() string { return "memory target: unknown table " + string(t) }

// hashKey mirrors buffer.HashKey for a single scalar PK value so the
// in-memory target's key space lines up with the Buffer's (tests
// exercise both with the same fake rows).
func hashKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// RecreateCount returns how many times RecreateDatabase has been called,
// useful for asserting bootstrap only recreates the schema once.
func (c *Client) RecreateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recreated
}
