// Package binlog defines the Reader interface consumed by the Realtime
// Applier and the tagged Event type it produces, per SPEC_FULL.md §6.
package binlog

import (
	"context"
	"strings"

	"github.com/block/chreplicator/pkg/txid"
)

// EventKind is the closed set of binlog event kinds.
type EventKind int

const (
	EventAdd EventKind = iota
	EventRemove
	EventQuery
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "ADD"
	case EventRemove:
		return "REMOVE"
	case EventQuery:
		return "QUERY"
	}
	return "UNKNOWN"
}

// QueryKind is the closed set of statement kinds a QUERY event's SQL
// text can be, parsed once at event entry (see Event.ParseQueryKind) so
// downstream dispatch never re-parses it and can be an exclusive switch
// (design note #4).
type QueryKind int

const (
	QueryOther QueryKind = iota
	QueryAlter
	QueryCreateTable
	QueryDropTable
)

// Event is one binlog entry: a row-change (ADD/REMOVE) with converted-
// ready record tuples, or a QUERY carrying raw DDL text.
type Event struct {
	TransactionID txid.ID
	Kind          EventKind
	Table         string
	DB            string

	// Records holds row tuples for ADD/REMOVE events, in source dialect.
	Records [][]any

	// SQL holds the statement text for QUERY events.
	SQL string
}

// ParseQueryKind classifies a QUERY event's leading keyword, case
// insensitively, exactly once. It must only be called on events with
// Kind == EventQuery.
func (e *Event) ParseQueryKind() QueryKind {
	trimmed := strings.TrimSpace(e.SQL)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "alter"):
		return QueryAlter
	case strings.HasPrefix(lower, "create table"):
		return QueryCreateTable
	case strings.HasPrefix(lower, "drop table"):
		return QueryDropTable
	default:
		return QueryOther
	}
}

// Reader is the binlog reader external collaborator (§6). It produces
// an ordered stream of change events reflecting source commit order.
type Reader interface {
	// SetPosition seeks to just after pos. A zero-value txid.ID means
	// start from the current head.
	SetPosition(ctx context.Context, pos txid.ID) error

	// ReadNextEvent returns the next event, or (nil, nil) if none is
	// currently available (a short/non-blocking read).
	ReadNextEvent(ctx context.Context) (*Event, error)

	// GetLastTransactionID returns the reader's current tail position,
	// used at bootstrap to record "start realtime replication from here".
	GetLastTransactionID(ctx context.Context) (txid.ID, error)

	// Close releases the reader's resources.
	Close() error
}
