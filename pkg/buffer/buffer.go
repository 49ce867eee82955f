// Package buffer implements the in-memory per-table coalescing Buffer:
// pending inserts keyed by primary key, and a set of pending deletes.
// A later insert for a PK overwrites the earlier row; adding a PK to one
// set always removes it from the other, maintaining I2 (the two sets are
// disjoint per table at all times).
//
// Buffer is owned by a single goroutine (the replicator's main loop, per
// the concurrency model in SPEC_FULL.md §5) and is not safe for
// concurrent use -- unlike the teacher's bufferedMap/subscription, which
// guard themselves with a mutex because they are written to from a
// background binlog-subscription goroutine.
package buffer

import (
	"fmt"
	"strings"

	"github.com/block/chreplicator/pkg/schema"
)

// keySeparator joins composite primary-key components into a map key,
// matching the convention used throughout the teacher (utils.HashKey).
const keySeparator = "\x1f"

// Row is a single converted target-dialect row tuple.
type Row []any

// HashKey converts a primary-key value tuple into a stable map key.
func HashKey(key []any) string {
	if len(key) == 1 {
		return toKeyPart(key[0])
	}
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = toKeyPart(v)
	}
	return strings.Join(parts, keySeparator)
}

func toKeyPart(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// table is per-table buffer state.
type table struct {
	inserts map[string]Row
	deletes map[string]struct{}
}

func newTable() *table {
	return &table{
		inserts: make(map[string]Row),
		deletes: make(map[string]struct{}),
	}
}

// Buffer is the coalescing Buffer component: per-table pending_inserts
// (PK -> row) and pending_deletes (PK set).
type Buffer struct {
	tables map[string]*table
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{tables: make(map[string]*table)}
}

func (b *Buffer) table(name string) *table {
	t, ok := b.tables[name]
	if !ok {
		t = newTable()
		b.tables[name] = t
	}
	return t
}

// AddInsert records row under pk for table, overwriting any earlier
// pending insert for the same PK (last-writer-wins) and removing pk from
// pending_deletes (I2).
func (b *Buffer) AddInsert(tableName string, pk []any, row Row) {
	t := b.table(tableName)
	key := HashKey(pk)
	delete(t.deletes, key)
	t.inserts[key] = row
}

// AddDelete records pk as pending-delete for table, removing it from
// pending_inserts (I2).
func (b *Buffer) AddDelete(tableName string, pk []any) {
	t := b.table(tableName)
	key := HashKey(pk)
	delete(t.inserts, key)
	t.deletes[key] = struct{}{}
}

// Len returns the total pending insert+delete count across all tables.
// The Flusher's per-table DATA_DUMP_BATCH_SIZE check uses TableLen, not
// this total.
func (b *Buffer) Len() int {
	n := 0
	for _, t := range b.tables {
		n += len(t.inserts) + len(t.deletes)
	}
	return n
}

// TableLen returns the (inserts, deletes) pending count for one table.
func (b *Buffer) TableLen(tableName string) (inserts, deletes int) {
	t, ok := b.tables[tableName]
	if !ok {
		return 0, 0
	}
	return len(t.inserts), len(t.deletes)
}

// Tables returns the names of all tables with at least one pending
// change, in no particular order.
func (b *Buffer) Tables() []string {
	names := make([]string, 0, len(b.tables))
	for name, t := range b.tables {
		if len(t.inserts) > 0 || len(t.deletes) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Inserts returns a snapshot of the pending insert rows for table.
func (b *Buffer) Inserts(tableName string) []Row {
	t, ok := b.tables[tableName]
	if !ok {
		return nil
	}
	rows := make([]Row, 0, len(t.inserts))
	for _, r := range t.inserts {
		rows = append(rows, r)
	}
	return rows
}

// DeleteKeys returns a snapshot of the pending delete PKs for table, in
// their hashed (string) map-key form as produced by HashKey.
func (b *Buffer) DeleteKeys(tableName string) []string {
	t, ok := b.tables[tableName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.deletes))
	for k := range t.deletes {
		keys = append(keys, k)
	}
	return keys
}

// Reset clears all pending inserts and deletes for every table. Called
// by the Flusher after a successful flush.
func (b *Buffer) Reset() {
	b.tables = make(map[string]*table)
}

// AssertDisjoint reports whether, for every table, pending_inserts and
// pending_deletes share no key -- i.e. invariant I2 holds. Exposed for
// property tests; never used on a hot path.
func (b *Buffer) AssertDisjoint() bool {
	for _, t := range b.tables {
		for k := range t.deletes {
			if _, ok := t.inserts[k]; ok {
				return false
			}
		}
	}
	return true
}

// PrimaryKeyValue pulls the PK value out of a converted row using the
// schema's primary-key index.
func PrimaryKeyValue(row Row, s *schema.TableSchema) any {
	return row[s.PrimaryKeyIndex]
}
