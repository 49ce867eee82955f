// Package memory implements an in-memory binlog.Reader backed by an
// ordered event slice, used by unit tests and the property-test harness
// in pkg/replicator (SPEC_FULL.md §8's "in-memory binlog reader").
package memory

import (
	"context"
	"sync"

	"github.com/block/chreplicator/pkg/binlog"
	"github.com/block/chreplicator/pkg/txid"
)

// Reader is a Reader that replays a fixed, caller-appended log of events
// in order, honoring SetPosition by skipping to the first event whose
// TransactionID is strictly greater than the requested position.
type Reader struct {
	mu     sync.Mutex
	events []binlog.Event
	cursor int
}

// New returns an empty in-memory reader. Append events with Append
// before starting replication.
func New() *Reader {
	return &Reader{}
}

// Append adds events to the tail of the log. Safe to call concurrently
// with ReadNextEvent, modeling a live binlog that keeps growing.
func (r *Reader) Append(events ...binlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// SetPosition moves the read cursor to the first event strictly after
// pos. A zero-value pos starts at the current end of the log (the
// "head"): events already appended are skipped and only events appended
// afterwards are read.
func (r *Reader) SetPosition(_ context.Context, pos txid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos.IsZero() {
		r.cursor = len(r.events)
		return nil
	}
	idx := 0
	for idx < len(r.events) && r.events[idx].TransactionID.LessOrEqual(pos) {
		idx++
	}
	r.cursor = idx
	return nil
}

// ReadNextEvent returns the next unread event, or nil if none remains.
func (r *Reader) ReadNextEvent(_ context.Context) (*binlog.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(r.events) {
		return nil, nil
	}
	e := r.events[r.cursor]
	r.cursor++
	return &e, nil
}

// GetLastTransactionID returns the transaction id of the last appended
// event, or the zero value if the log is empty.
func (r *Reader) GetLastTransactionID(_ context.Context) (txid.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return txid.Zero, nil
	}
	return r.events[len(r.events)-1].TransactionID, nil
}

// Close is a no-op for the in-memory reader.
func (r *Reader) Close() error { return nil }

var _ binlog.Reader = (*Reader)(nil)
