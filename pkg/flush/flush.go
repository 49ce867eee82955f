// Package flush implements the Flusher: threshold- and interval-driven
// draining of the coalescing Buffer into the target, concurrent across
// tables (SPEC_FULL.md §4.6).
package flush

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/block/chreplicator/pkg/buffer"
	"github.com/block/chreplicator/pkg/schema"
	"github.com/block/chreplicator/pkg/state"
	"github.com/block/chreplicator/pkg/target"
)

// DefaultBatchSize is DATA_DUMP_BATCH_SIZE from SPEC_FULL.md §4.6.
const DefaultBatchSize = 10000

// DefaultInterval is DATA_DUMP_INTERVAL from SPEC_FULL.md §5.
const DefaultInterval = 1 * time.Second

// DefaultConcurrency bounds how many tables are flushed in parallel.
const DefaultConcurrency = 4

// Flusher drains the Buffer into the target on a threshold or interval
// trigger, or on demand (an imminent ALTER forces an out-of-band flush,
// per §4.6's third trigger).
type Flusher struct {
	buf      *buffer.Buffer
	dst      target.Client
	registry *schema.Registry
	store    *state.Store
	versions *target.VersionSource
	logger   loggers.Advanced

	BatchSize   int
	Interval    time.Duration
	Concurrency int

	lastFlush time.Time
}

// New returns a Flusher with the default thresholds; callers may
// override BatchSize/Interval/Concurrency before the first Flush.
// versions must be the same VersionSource dst assigns row versions
// from, so Flush can resync cursors.TablesLastRecordVersion before
// every persisted checkpoint.
func New(buf *buffer.Buffer, dst target.Client, registry *schema.Registry, store *state.Store, versions *target.VersionSource, logger loggers.Advanced) *Flusher {
	return &Flusher{
		buf:         buf,
		dst:         dst,
		registry:    registry,
		store:       store,
		versions:    versions,
		logger:      logger,
		BatchSize:   DefaultBatchSize,
		Interval:    DefaultInterval,
		Concurrency: DefaultConcurrency,
		lastFlush:   time.Now(),
	}
}

// ShouldFlush reports whether any trigger in §4.6 has fired: a table at
// the batch-size threshold, or the interval elapsed since the last
// flush. It does not itself flush.
func (f *Flusher) ShouldFlush() bool {
	for _, table := range f.buf.Tables() {
		inserts, deletes := f.buf.TableLen(table)
		if inserts >= f.batchSize() || deletes >= f.batchSize() {
			return true
		}
	}
	return time.Since(f.lastFlush) >= f.interval()
}

func (f *Flusher) batchSize() int {
	if f.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return f.BatchSize
}

func (f *Flusher) interval() time.Duration {
	if f.Interval <= 0 {
		return DefaultInterval
	}
	return f.Interval
}

func (f *Flusher) concurrency() int {
	if f.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return f.Concurrency
}

// Flush drains every table's pending inserts, then every table's
// pending deletes (in that order, per the §4.6 ordering note -- safe
// because I2 guarantees the two sets are disjoint per table), resets
// the Buffer, advances last_processed_transaction to the
// non-uploaded watermark, and requests a state save.
func (f *Flusher) Flush(ctx context.Context, cursors *state.Cursors) error {
	tables := f.buf.Tables()

	if err := f.runPerTable(ctx, tables, f.flushInserts); err != nil {
		return errors.Annotate(err, "flush: inserting")
	}
	if err := f.runPerTable(ctx, tables, f.flushDeletes); err != nil {
		return errors.Annotate(err, "flush: deleting")
	}

	f.buf.Reset()
	f.lastFlush = time.Now()
	cursors.LastProcessedTransaction = cursors.LastProcessedTransactionNonUploaded
	cursors.TablesLastRecordVersion = f.versions.Snapshot()

	if err := f.store.Save(cursors); err != nil {
		return errors.Annotate(err, "flush: persisting state")
	}
	return nil
}

func (f *Flusher) runPerTable(ctx context.Context, tables []string, step func(context.Context, string) error) error {
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency())
	for _, table := range tables {
		table := table
		g.Go(func() error {
			return step(groupCtx, table)
		})
	}
	return g.Wait()
}

func (f *Flusher) flushInserts(ctx context.Context, table string) error {
	rows := f.buf.Inserts(table)
	if len(rows) == 0 {
		return nil
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	if err := f.dst.Insert(ctx, table, values); err != nil {
		return errors.Annotatef(err, "flush: inserting into %s", table)
	}
	return nil
}

func (f *Flusher) flushDeletes(ctx context.Context, table string) error {
	keys := f.buf.DeleteKeys(table)
	if len(keys) == 0 {
		return nil
	}
	pair, err := f.registry.MustGet(table)
	if err != nil {
		return err
	}

	fieldValues := make([]string, len(keys))
	quoteStrings := strings.Contains(pair.Target.PrimaryKeyField().Type, "String")
	for i, k := range keys {
		if quoteStrings {
			fieldValues[i] = fmt.Sprintf("'%s'", k)
		} else {
			fieldValues[i] = k
		}
	}

	if err := f.dst.Erase(ctx, table, pair.Target.PrimaryKey, fieldValues); err != nil {
		return errors.Annotatef(err, "flush: erasing from %s", table)
	}
	return nil
}
