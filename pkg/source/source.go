// Package source defines the source DB client interface consumed by the
// Initial Snapshotter and the bootstrap phase (SPEC_FULL.md §6).
package source

import "context"

// Client is the source (row-oriented) database client.
type Client interface {
	// GetTables returns every table name the replicator should track.
	GetTables(ctx context.Context) ([]string, error)

	// GetTableCreateStatement returns the table's CREATE TABLE DDL, used
	// by the Converter to derive a schema.Pair.
	GetTableCreateStatement(ctx context.Context, table string) (string, error)

	// GetRecords returns up to limit rows of table ordered ascending by
	// primary key, strictly greater than startValue. startValue is nil
	// on the first page; on later pages it is the primary key value of
	// the last row returned, in whatever Go type that column converts
	// to (int64, string, ...), and is bound as an ordinary parameterized
	// query argument -- implementations must not quote or otherwise
	// re-encode it themselves.
	GetRecords(ctx context.Context, table string, limit int, startValue any) ([][]any, error)

	// Close releases the client's resources. The Orchestrator closes the
	// source client on entering REALTIME; it is not used thereafter.
	Close() error
}
