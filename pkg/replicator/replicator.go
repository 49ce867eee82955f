// Package replicator implements the Orchestrator: the top-level
// per-database state machine binding the Schema Registry, Initial
// Snapshotter, Realtime Applier, and Flusher together, with crash
// recovery through the State Store (SPEC_FULL.md §4.7).
package replicator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/block/chreplicator/pkg/apply"
	"github.com/block/chreplicator/pkg/binlog"
	"github.com/block/chreplicator/pkg/buffer"
	"github.com/block/chreplicator/pkg/convert"
	"github.com/block/chreplicator/pkg/flush"
	"github.com/block/chreplicator/pkg/schema"
	"github.com/block/chreplicator/pkg/snapshot"
	"github.com/block/chreplicator/pkg/source"
	"github.com/block/chreplicator/pkg/state"
	"github.com/block/chreplicator/pkg/target"
)

// SPEC_FULL.md §5's time-driven policy defaults.
const (
	DefaultInitialBatch      = snapshot.DefaultBatchSize
	DefaultDataDumpBatchSize = flush.DefaultBatchSize
	DefaultSaveStateInterval = 10 * time.Second
	DefaultStatsDumpInterval = 60 * time.Second
	DefaultDataDumpInterval  = flush.DefaultInterval
	DefaultReadLogInterval   = 1 * time.Second
)

// Replicator is the Orchestrator for one database.
type Replicator struct {
	cfg Config

	src    source.Client
	dst    target.Client
	conv   convert.Converter
	reader binlog.Reader
	store  *state.Store
	logger loggers.Advanced

	registry *schema.Registry
	buf      *buffer.Buffer

	snapshotter *snapshot.Snapshotter
	applier     *apply.Applier
	flusher     *flush.Flusher

	// versions is the single VersionSource the target client assigns
	// every row's _version from. It is snapshotted into
	// cursors.TablesLastRecordVersion immediately before every
	// saveState call so a restart resumes version numbering where the
	// target actually left off, instead of from whatever was loaded at
	// process start (SPEC_FULL.md §4.1/§9; original_source/
	// db_replicator.py's save_state_if_required does the same resync).
	versions *target.VersionSource

	phase state.AtomicPhase

	lastStateSave time.Time
	lastStatsDump time.Time
}

// New wires one database's Replicator from already-constructed
// collaborators. cmd/chreplicator is responsible for building src/dst/
// reader/versions from Config before calling New -- the Orchestrator
// itself never dials a database. versions must be the same
// *target.VersionSource instance dst's Insert calls assign row versions
// from, so saveState can persist its live counters.
func New(cfg Config, src source.Client, dst target.Client, conv convert.Converter, reader binlog.Reader, store *state.Store, versions *target.VersionSource, logger loggers.Advanced) *Replicator {
	cfg.SetDefaults()

	registry := schema.NewRegistry()
	buf := buffer.New()

	f := flush.New(buf, dst, registry, store, versions, logger)
	f.BatchSize = cfg.DataDumpBatchSize
	f.Interval = cfg.DataDumpInterval

	a := apply.New(buf, registry, conv, dst, f, logger)

	snap := snapshot.New(src, dst, conv, registry, store, versions, logger)
	snap.BatchSize = cfg.InitialBatch
	snap.SaveInterval = cfg.SaveStateInterval

	return &Replicator{
		cfg:         cfg,
		src:         src,
		dst:         dst,
		conv:        conv,
		reader:      reader,
		store:       store,
		logger:      logger,
		registry:    registry,
		buf:         buf,
		snapshotter: snap,
		applier:     a,
		flusher:     f,
		versions:    versions,
	}
}

// Phase returns the Orchestrator's current phase, safe to read from
// another goroutine (e.g. a diagnostics endpoint).
func (r *Replicator) Phase() state.Phase {
	return r.phase.Load()
}

// Run loads persisted state and drives the phase state machine to
// completion: NONE/CREATING_STRUCTURES/INITIAL_SNAPSHOT complete in
// sequence on a fresh or partially-bootstrapped database, then REALTIME
// runs until ctx is canceled or an unrecoverable error occurs. Any
// returned error is fatal per SPEC_FULL.md §7: the caller should exit
// non-zero and rely on external process supervision to restart and
// resume from durable state.
func (r *Replicator) Run(ctx context.Context) error {
	cursors, err := r.store.Load()
	if err != nil {
		return errors.Annotate(err, "replicator: loading state")
	}
	r.phase.Store(cursors.Phase)
	r.registry.Load(cursors.Schemas())
	r.lastStateSave = time.Now()
	r.lastStatsDump = time.Now()

	for {
		switch cursors.Phase {
		case state.PhaseNone:
			if err := r.runNone(ctx, cursors); err != nil {
				return errors.Annotate(err, "replicator: phase none")
			}
		case state.PhaseCreatingStructures:
			if err := r.runCreatingStructures(ctx, cursors); err != nil {
				return errors.Annotate(err, "replicator: phase creatingStructures")
			}
		case state.PhaseInitialSnapshot:
			if err := r.runInitialSnapshot(ctx, cursors); err != nil {
				return errors.Annotate(err, "replicator: phase initialSnapshot")
			}
		case state.PhaseRealtime:
			return r.runRealtime(ctx, cursors)
		default:
			return errors.Errorf("replicator: unknown phase %v", cursors.Phase)
		}
	}
}

// runNone recreates the target database, snapshots the source's table
// list, and records the binlog head as the point realtime replication
// will eventually resume from.
func (r *Replicator) runNone(ctx context.Context, cursors *state.Cursors) error {
	r.logger.Infof("replicator: recreating target database %s", r.cfg.Database)
	if err := r.dst.RecreateDatabase(ctx); err != nil {
		return errors.Annotate(err, "recreating target database")
	}

	tables, err := r.src.GetTables(ctx)
	if err != nil {
		return errors.Annotate(err, "listing source tables")
	}
	cursors.Tables = tables

	head, err := r.reader.GetLastTransactionID(ctx)
	if err != nil {
		return errors.Annotate(err, "recording binlog head")
	}
	r.logger.Infof("replicator: last known transaction %s", head)
	cursors.LastProcessedTransaction = head
	cursors.LastProcessedTransactionNonUploaded = head

	cursors.Phase = state.PhaseCreatingStructures
	r.phase.Store(cursors.Phase)
	return r.saveState(cursors)
}

// runCreatingStructures introspects every tracked table's source
// structure, registers its converted target schema, and materializes
// the target table.
func (r *Replicator) runCreatingStructures(ctx context.Context, cursors *state.Cursors) error {
	for _, table := range cursors.Tables {
		createSQL, err := r.src.GetTableCreateStatement(ctx, table)
		if err != nil {
			return errors.Annotatef(err, "reading structure of %s", table)
		}
		pair, err := r.conv.ParseSourceCreate(createSQL)
		if err != nil {
			return errors.Annotatef(err, "parsing structure of %s", table)
		}
		r.registry.Set(table, pair)

		fields := make([]target.Field, len(pair.Target.Fields))
		for i, f := range pair.Target.Fields {
			fields[i] = target.Field{Name: f.Name, Type: f.Type}
		}
		if err := r.dst.CreateTable(ctx, pair.Target.Name, fields, pair.Target.PrimaryKey); err != nil {
			return errors.Annotatef(err, "creating target table %s", table)
		}
	}

	cursors.SetSchemas(r.registry.Snapshot())
	cursors.Phase = state.PhaseInitialSnapshot
	r.phase.Store(cursors.Phase)
	return r.saveState(cursors)
}

// runInitialSnapshot runs the range-paged bulk load, then closes the
// source client per §4.7's note that it is never used again.
func (r *Replicator) runInitialSnapshot(ctx context.Context, cursors *state.Cursors) error {
	if err := r.snapshotter.Run(ctx, cursors); err != nil {
		return errors.Annotate(err, "performing initial snapshot")
	}

	cursors.Phase = state.PhaseRealtime
	r.phase.Store(cursors.Phase)

	if err := r.src.Close(); err != nil {
		r.logger.Warnf("replicator: closing source client: %v", err)
	}
	return r.saveState(cursors)
}

// runRealtime seeks the binlog reader to the persisted cursor and
// consumes events in log order until ctx is canceled or an
// unrecoverable error occurs (§4.4).
func (r *Replicator) runRealtime(ctx context.Context, cursors *state.Cursors) error {
	r.logger.Infof("replicator: running realtime replication from %s", cursors.LastProcessedTransaction)
	cursors.Phase = state.PhaseRealtime
	r.phase.Store(cursors.Phase)
	if err := r.saveState(cursors); err != nil {
		return err
	}
	if err := r.reader.SetPosition(ctx, cursors.LastProcessedTransaction); err != nil {
		return errors.Annotate(err, "seeking binlog reader")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := r.reader.ReadNextEvent(ctx)
		if err != nil {
			return errors.Annotate(err, "reading binlog event")
		}

		if ev == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.ReadLogInterval):
			}
			if err := r.applier.Idle(ctx, cursors); err != nil {
				return errors.Annotate(err, "idle flush")
			}
			r.maybeLogStats()
			continue
		}

		if err := r.applier.HandleEvent(ctx, cursors, ev); err != nil {
			return errors.Annotatef(err, "handling event %s", ev.TransactionID)
		}
		if err := r.applier.MaybeFlush(ctx, cursors); err != nil {
			return errors.Annotate(err, "flushing after event")
		}
		if err := r.maybeSaveState(cursors); err != nil {
			return err
		}
		r.maybeLogStats()
	}
}

// saveState persists cursors unconditionally and records the save
// time, used at phase transitions where a persist is always required.
// It resyncs TablesLastRecordVersion from the live VersionSource first
// (see the Replicator.versions field doc) so a restart never resumes
// version numbering behind what the target already holds.
func (r *Replicator) saveState(cursors *state.Cursors) error {
	cursors.TablesLastRecordVersion = r.versions.Snapshot()
	if err := r.store.Save(cursors); err != nil {
		return errors.Annotate(err, "persisting state")
	}
	r.lastStateSave = time.Now()
	return nil
}

// maybeSaveState persists cursors only if SAVE_STATE_INTERVAL has
// elapsed since the last persist (§5), used on the realtime hot path.
func (r *Replicator) maybeSaveState(cursors *state.Cursors) error {
	if time.Since(r.lastStateSave) < r.cfg.SaveStateInterval {
		return nil
	}
	return r.saveState(cursors)
}

// maybeLogStats logs and resets the Applier's counters once
// STATS_DUMP_INTERVAL has elapsed, mirroring
// original_source/db_replicator.py's log_stats_if_required.
func (r *Replicator) maybeLogStats() {
	if time.Since(r.lastStatsDump) < r.cfg.StatsDumpInterval {
		return
	}
	r.lastStatsDump = time.Now()
	data, err := json.Marshal(r.applier.Stats)
	if err != nil {
		r.logger.Warnf("replicator: marshaling statistics: %v", err)
		return
	}
	r.logger.Infof("replicator: statistics: %s", data)
	r.applier.Stats.Reset()
}
