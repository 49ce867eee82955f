// Package state implements the State Store: a durable, atomically
// replaced checkpoint of replication phase, progress cursors, the table
// list, and cached schemas, one file per database.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"

	"github.com/block/chreplicator/pkg/schema"
	"github.com/block/chreplicator/pkg/txid"
)

// ErrCorrupt is returned by Load when the state file exists but cannot
// be parsed. Per spec this is fatal: the operator must decide whether to
// discard it and resnapshot.
var ErrCorrupt = errors.New("state: file is corrupt")

// persistedSchema is the JSON-serializable form of a schema.Pair.
type persistedSchema struct {
	Source *schema.TableSchema `json:"source"`
	Target *schema.TableSchema `json:"target"`
}

// Cursors holds every field in §3 "Progress cursors (persisted)". It is
// the payload written and read by the State Store.
//
// last_processed_transaction_non_uploaded is deliberately absent from
// this struct's JSON tag list at save time (see Store.Save) though it
// lives in memory on the Cursors value the Orchestrator holds -- the
// source project omits it from the persisted payload intentionally
// (design note #3), and on Load it is reseeded from
// LastProcessedTransaction (design note #2). Both behaviors are
// preserved here exactly.
type Cursors struct {
	LastProcessedTransaction            txid.ID `json:"last_processed_transaction"`
	LastProcessedTransactionNonUploaded txid.ID `json:"-"`

	Phase Phase `json:"phase"`

	InitialReplicationTable         string `json:"initial_replication_table"`
	InitialReplicationMaxPrimaryKey any    `json:"initial_replication_max_primary_key"`

	Tables []string `json:"tables"`

	TablesStructure map[string]persistedSchema `json:"tables_structure"`

	TablesLastRecordVersion map[string]uint64 `json:"tables_last_record_version"`
}

// NewCursors returns a zero-valued Cursors ready for a fresh run.
func NewCursors() *Cursors {
	return &Cursors{
		TablesStructure:         make(map[string]persistedSchema),
		TablesLastRecordVersion: make(map[string]uint64),
	}
}

// SetSchemas replaces TablesStructure from a schema.Registry snapshot.
func (c *Cursors) SetSchemas(pairs map[string]schema.Pair) {
	c.TablesStructure = make(map[string]persistedSchema, len(pairs))
	for table, p := range pairs {
		c.TablesStructure[table] = persistedSchema{Source: p.Source, Target: p.Target}
	}
}

// Schemas converts TablesStructure back into schema.Pair form, suitable
// for schema.Registry.Load.
func (c *Cursors) Schemas() map[string]schema.Pair {
	out := make(map[string]schema.Pair, len(c.TablesStructure))
	for table, ps := range c.TablesStructure {
		out[table] = schema.Pair{Source: ps.Source, Target: ps.Target}
	}
	return out
}

// Store is the durable State Store for one database. It is written from
// a single goroutine (the replicator's main loop); no internal locking
// is provided or required.
type Store struct {
	path string
}

// New returns a Store that persists to <dataDir>/<database>/state.json.
func New(dataDir, database string) *Store {
	return &Store{path: filepath.Join(dataDir, database, "state.json")}
}

// Load reads the persisted Cursors. A missing file is not an error: it
// returns a fresh Cursors (phase None) for a first run. A present but
// unparseable file is ErrCorrupt.
func (s *Store) Load() (*Cursors, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCursors(), nil
		}
		return nil, errors.Annotatef(err, "state: reading %s", s.path)
	}
	c := NewCursors()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Annotate(ErrCorrupt, err.Error())
	}
	// Design note #2: on load, last_processed_transaction_non_uploaded is
	// seeded from last_processed_transaction, not from any persisted
	// value of its own (there is none -- see Save). This is what makes
	// replay skip events that were buffered but never flushed before the
	// last crash: they will be re-read from the log and re-buffered.
	c.LastProcessedTransactionNonUploaded = c.LastProcessedTransaction
	return c, nil
}

// Save atomically persists c: serialize to a temporary sibling file,
// fsync, then rename over the real file. No partial write is ever
// observable by a concurrent Load.
func (s *Store) Save(c *Cursors) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Annotatef(err, "state: creating directory for %s", s.path)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Annotate(err, "state: marshaling cursors")
	}
	return atomicWriteFile(s.path, data)
}

// atomicWriteFile writes data to a temp file next to path and renames it
// over path, guaranteeing the temp file descriptor is closed on every
// exit path (the "scoped acquisition" design note) and that a failed
// rename never leaves the original file truncated or partially written.
func atomicWriteFile(path string, data []byte) (err error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Annotatef(err, "state: creating temp file %s", tmpPath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		// Once Rename has consumed tmpPath this is a no-op; os.Remove on
		// a missing path is ignored so it is safe on both the success
		// and the failure path.
		_ = os.Remove(tmpPath)
	}()

	if _, err = f.Write(data); err != nil {
		return errors.Annotatef(err, "state: writing temp file %s", tmpPath)
	}
	if err = f.Sync(); err != nil {
		return errors.Annotatef(err, "state: syncing temp file %s", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Annotatef(err, "state: renaming %s to %s", tmpPath, path)
	}
	return nil
}
