// Package convert defines the DDL/DML Converter contract (SPEC_FULL.md
// §4.5): translating source CREATE/ALTER statements and row tuples into
// target schema and dialect.
package convert

import "github.com/block/chreplicator/pkg/schema"

// Converter is the external collaborator that understands both the
// source and target SQL dialects.
type Converter interface {
	// ParseSourceCreate parses a source CREATE TABLE statement into a
	// (source-schema, target-schema) pair.
	ParseSourceCreate(sql string) (schema.Pair, error)

	// ConvertAlter translates a source ALTER TABLE statement into target
	// DDL. ok is false when the alteration has no supported target
	// translation -- the caller must log and skip, not fail.
	ConvertAlter(sql, db string) (targetSQL string, ok bool, err error)

	// ConvertRows converts source-dialect row tuples into target-dialect
	// row tuples, using the schema pair's field ordering and types.
	ConvertRows(rows [][]any, pair schema.Pair) ([][]any, error)
}
