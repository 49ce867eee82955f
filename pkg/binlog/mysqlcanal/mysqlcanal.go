// Package mysqlcanal implements binlog.Reader over go-mysql-org/go-mysql's
// canal package -- a real binary-log streaming connection to a MySQL
// source, in the same style as the teacher's pkg/repl subscription client
// (itself grounded on canal.Canal + canal.EventHandler).
package mysqlcanal

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/block/chreplicator/pkg/binlog"
	"github.com/block/chreplicator/pkg/txid"
)

// Config configures a connection to the MySQL source's binary log.
type Config struct {
	Addr     string
	User     string
	Password string
	Database string
	// Tables restricts streaming to these tables of Database (bare table
	// names, regex-escaped internally); empty means every table in Database.
	Tables []string
}

// Reader is a binlog.Reader backed by a live canal.Canal connection.
type Reader struct {
	canal.DummyEventHandler

	mu              sync.Mutex
	cfg             Config
	logger          loggers.Advanced
	db              *sql.DB
	c               *canal.Canal
	lastLogFileName string
	startPosition   txid.ID
	started         bool
	startErr        error

	// pendingDDLSchema/pendingDDLTable cache the table canal.Canal names
	// via OnTableChanged just before it invokes OnDDL for the same
	// statement, since replication.QueryEvent itself only carries the
	// schema the statement ran against, not the affected table.
	pendingDDLSchema string
	pendingDDLTable  string

	events chan binlog.Event
	done   chan struct{}
}

// New returns a Reader. db, if non-nil, is used to read SHOW MASTER
// STATUS when no explicit start position has been set (fresh bootstrap).
func New(cfg Config, db *sql.DB, logger loggers.Advanced) *Reader {
	return &Reader{
		cfg:    cfg,
		db:     db,
		logger: logger,
		events: make(chan binlog.Event, 4096),
		done:   make(chan struct{}),
	}
}

var (
	_ binlog.Reader      = (*Reader)(nil)
	_ canal.EventHandler = (*Reader)(nil)
)

// SetPosition records the position canal.RunFrom should resume from. It
// must be called (if at all) before the first ReadNextEvent, which is
// when the canal connection actually starts streaming.
func (r *Reader) SetPosition(_ context.Context, pos txid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("mysqlcanal: SetPosition called after streaming already started")
	}
	r.startPosition = pos
	return nil
}

// ReadNextEvent implements binlog.Reader, lazily starting the canal
// connection on first call. It returns (nil, nil) without waiting when
// no event is buffered.
func (r *Reader) ReadNextEvent(ctx context.Context) (*binlog.Event, error) {
	if err := r.ensureStarted(ctx); err != nil {
		return nil, err
	}
	select {
	default:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-r.events:
		if !ok {
			return nil, nil
		}
		return &ev, nil
	case <-r.done:
		r.mu.Lock()
		err := r.startErr
		r.mu.Unlock()
		return nil, err
	}
}

// PeekBufferedEvent reads one already-buffered event without triggering
// ensureStarted, for exercising the canal.EventHandler callbacks
// (OnRow/OnDDL/OnRotate) in isolation from a live canal connection.
func (r *Reader) PeekBufferedEvent(ctx context.Context) (*binlog.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-r.events:
		return &ev, nil
	}
}

func (r *Reader) ensureStarted(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true

	cfg := canal.NewDefaultConfig()
	cfg.Addr = r.cfg.Addr
	cfg.User = r.cfg.User
	cfg.Password = r.cfg.Password
	cfg.Logger = r.logger
	cfg.Dump.ExecutionPath = "" // we do our own initial snapshot; never let canal mysqldump
	if len(r.cfg.Tables) > 0 {
		patterns := make([]string, 0, len(r.cfg.Tables))
		for _, t := range r.cfg.Tables {
			patterns = append(patterns, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(r.cfg.Database), regexp.QuoteMeta(t)))
		}
		cfg.IncludeTableRegex = patterns
	} else {
		cfg.IncludeTableRegex = []string{fmt.Sprintf("^%s\\..*$", r.cfg.Database)}
	}

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return errors.Annotate(err, "mysqlcanal: creating canal")
	}
	r.c = c
	c.SetEventHandler(r)

	pos := r.startPosition
	if pos.IsZero() {
		pos, err = r.currentBinlogPosition()
		if err != nil {
			return errors.Annotate(err, "mysqlcanal: reading current binlog position")
		}
	}
	r.lastLogFileName = pos.Name

	go r.run(gomysql.Position{Name: pos.Name, Pos: pos.Pos})
	return nil
}

func (r *Reader) run(pos gomysql.Position) {
	defer close(r.done)
	defer close(r.events)
	if err := r.c.RunFrom(pos); err != nil {
		r.mu.Lock()
		r.startErr = errors.Annotate(err, "mysqlcanal: canal.RunFrom failed")
		r.mu.Unlock()
	}
}

// currentBinlogPosition reads SHOW MASTER STATUS, used only when the
// replicator has no persisted checkpoint (a fresh database).
func (r *Reader) currentBinlogPosition() (txid.ID, error) {
	if r.db == nil {
		return txid.Zero, errors.New("mysqlcanal: no start position and no db connection to read SHOW MASTER STATUS")
	}
	var file, fake string
	var pos uint32
	row := r.db.QueryRow("SHOW MASTER STATUS")
	if err := row.Scan(&file, &pos, &fake, &fake, &fake); err != nil {
		return txid.Zero, err
	}
	return txid.ID{Name: file, Pos: pos}, nil
}

// GetLastTransactionID implements binlog.Reader.
func (r *Reader) GetLastTransactionID(_ context.Context) (txid.ID, error) {
	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	if c == nil {
		return r.currentBinlogPosition()
	}
	pos := c.SyncedPosition()
	return txid.ID{Name: pos.Name, Pos: pos.Pos}, nil
}

// Close implements binlog.Reader.
func (r *Reader) Close() error {
	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
	return nil
}

// OnRotate captures the log file name of the next segment; it is only
// available on rotate events, not row events, so it must be cached.
func (r *Reader) OnRotate(_ *replication.EventHeader, rotateEvent *replication.RotateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLogFileName = string(rotateEvent.NextLogName)
	return nil
}

// OnRow dispatches INSERT/UPDATE/DELETE row events as EventAdd/EventRemove.
// An UPDATE's "before" image is discarded -- the replicator is last-writer
// -wins on the "after" image, so only it is forwarded as an add.
func (r *Reader) OnRow(e *canal.RowsEvent) error {
	r.mu.Lock()
	id := txid.ID{Name: r.lastLogFileName, Pos: e.Header.LogPos}
	r.mu.Unlock()

	db := e.Table.Schema
	table := e.Table.Name

	switch e.Action {
	case canal.InsertAction:
		return r.emit(binlog.Event{TransactionID: id, Kind: binlog.EventAdd, DB: db, Table: table, Records: e.Rows})
	case canal.UpdateAction:
		afters := make([][]any, 0, len(e.Rows)/2)
		for i := 1; i < len(e.Rows); i += 2 {
			afters = append(afters, e.Rows[i])
		}
		return r.emit(binlog.Event{TransactionID: id, Kind: binlog.EventAdd, DB: db, Table: table, Records: afters})
	case canal.DeleteAction:
		return r.emit(binlog.Event{TransactionID: id, Kind: binlog.EventRemove, DB: db, Table: table, Records: e.Rows})
	default:
		r.logger.Errorf("mysqlcanal: unknown row action: %v", e.Action)
		return nil
	}
}

// OnTableChanged is canal's notification of the schema/table a DDL
// statement affects; canal invokes it before OnDDL for the same
// statement, so the table name is cached here for OnDDL to pick up.
func (r *Reader) OnTableChanged(_ *replication.EventHeader, schema, table string) error {
	r.mu.Lock()
	r.pendingDDLSchema = schema
	r.pendingDDLTable = table
	r.mu.Unlock()
	return nil
}

// OnDDL surfaces CREATE/ALTER/DROP TABLE statements as EventQuery.
func (r *Reader) OnDDL(header *replication.EventHeader, _ gomysql.Position, queryEvent *replication.QueryEvent) error {
	sql := strings.TrimSpace(string(queryEvent.Query))
	if sql == "" {
		return nil
	}
	db := string(queryEvent.Schema)

	r.mu.Lock()
	id := txid.ID{Name: r.lastLogFileName, Pos: header.LogPos}
	table := r.pendingDDLTable
	if r.pendingDDLSchema != db {
		table = ""
	}
	r.pendingDDLSchema, r.pendingDDLTable = "", ""
	r.mu.Unlock()

	return r.emit(binlog.Event{TransactionID: id, Kind: binlog.EventQuery, DB: db, Table: table, SQL: sql})
}

func (r *Reader) emit(ev binlog.Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return errors.New("mysqlcanal: reader closed")
	}
}
