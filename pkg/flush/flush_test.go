package flush_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/chreplicator/pkg/buffer"
	"github.com/block/chreplicator/pkg/flush"
	"github.com/block/chreplicator/pkg/schema"
	"github.com/block/chreplicator/pkg/state"
	"github.com/block/chreplicator/pkg/target"
)

type recordingTarget struct {
	inserted map[string][][]any
	erased   map[string][]string
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{inserted: make(map[string][][]any), erased: make(map[string][]string)}
}

func (r *recordingTarget) RecreateDatabase(context.Context) error { return nil }
func (r *recordingTarget) CreateTable(context.Context, string, []target.Field, string) error {
	return nil
}
func (r *recordingTarget) Insert(_ context.Context, table string, rows [][]any) error {
	r.inserted[table] = append(r.inserted[table], rows...)
	return nil
}
func (r *recordingTarget) Erase(_ context.Context, table, _ string, fieldValues []string) error {
	r.erased[table] = append(r.erased[table], fieldValues...)
	return nil
}
func (r *recordingTarget) ExecuteCommand(context.Context, string) error { return nil }

var _ target.Client = (*recordingTarget)(nil)

func intPKPair(table string) schema.Pair {
	s := &schema.TableSchema{Name: table, Fields: []schema.Field{{Name: "id", Type: "Int64"}}, PrimaryKey: "id", PrimaryKeyIndex: 0}
	return schema.Pair{Source: s, Target: s}
}

func stringPKPair(table string) schema.Pair {
	s := &schema.TableSchema{Name: table, Fields: []schema.Field{{Name: "id", Type: "String"}}, PrimaryKey: "id", PrimaryKeyIndex: 0}
	return schema.Pair{Source: s, Target: s}
}

func TestFlushInsertsThenDeletesAndResetsBuffer(t *testing.T) {
	buf := buffer.New()
	buf.AddInsert("u", []any{1}, buffer.Row{1, "a"})
	buf.AddDelete("u", []any{2})

	registry := schema.NewRegistry()
	registry.Set("u", intPKPair("u"))

	dst := newRecordingTarget()
	store := state.New(t.TempDir(), "db1")
	cursors := state.NewCursors()
	cursors.LastProcessedTransactionNonUploaded.Pos = 42

	f := flush.New(buf, dst, registry, store, target.NewVersionSource(nil), logrus.New())
	require.NoError(t, f.Flush(context.Background(), cursors))

	require.Len(t, dst.inserted["u"], 1)
	require.Len(t, dst.erased["u"], 1)
	assert.Equal(t, "2", dst.erased["u"][0])
	assert.Equal(t, uint32(42), cursors.LastProcessedTransaction.Pos)
	assert.Zero(t, buf.Len())
}

func TestFlushQuotesStringPrimaryKeysOnDelete(t *testing.T) {
	buf := buffer.New()
	buf.AddDelete("u", []any{"abc"})

	registry := schema.NewRegistry()
	registry.Set("u", stringPKPair("u"))

	dst := newRecordingTarget()
	store := state.New(t.TempDir(), "db1")
	cursors := state.NewCursors()

	f := flush.New(buf, dst, registry, store, target.NewVersionSource(nil), logrus.New())
	require.NoError(t, f.Flush(context.Background(), cursors))

	require.Len(t, dst.erased["u"], 1)
	assert.Equal(t, "'abc'", dst.erased["u"][0])
}

func TestShouldFlushOnBatchSizeThreshold(t *testing.T) {
	buf := buffer.New()
	registry := schema.NewRegistry()
	registry.Set("u", intPKPair("u"))
	store := state.New(t.TempDir(), "db1")

	f := flush.New(buf, newRecordingTarget(), registry, store, target.NewVersionSource(nil), logrus.New())
	f.BatchSize = 2
	f.Interval = time.Hour

	assert.False(t, f.ShouldFlush())
	buf.AddInsert("u", []any{1}, buffer.Row{1})
	assert.False(t, f.ShouldFlush())
	buf.AddInsert("u", []any{2}, buffer.Row{2})
	assert.True(t, f.ShouldFlush())
}

func TestShouldFlushOnIntervalElapsed(t *testing.T) {
	buf := buffer.New()
	registry := schema.NewRegistry()
	registry.Set("u", intPKPair("u"))
	store := state.New(t.TempDir(), "db1")

	f := flush.New(buf, newRecordingTarget(), registry, store, target.NewVersionSource(nil), logrus.New())
	f.BatchSize = 1000
	f.Interval = time.Millisecond

	time.Sleep(5 * time.Millisecond)
	assert.True(t, f.ShouldFlush())
}
