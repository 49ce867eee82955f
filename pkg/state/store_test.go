package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/block/chreplicator/pkg/schema"
	"github.com/block/chreplicator/pkg/state"
	"github.com/block/chreplicator/pkg/txid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsFreshStart(t *testing.T) {
	dir := t.TempDir()
	s := state.New(dir, "db1")
	c, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseNone, c.Phase)
	assert.True(t, c.LastProcessedTransaction.IsZero())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := state.New(dir, "db1")

	c := state.NewCursors()
	c.Phase = state.PhaseRealtime
	c.LastProcessedTransaction = txid.ID{Name: "bin.000001", Pos: 500}
	c.Tables = []string{"u", "v"}
	c.TablesLastRecordVersion["u"] = 42
	c.SetSchemas(map[string]schema.Pair{
		"u": {
			Source: &schema.TableSchema{Name: "u", Fields: []schema.Field{{Name: "id", Type: "INT"}}, PrimaryKey: "id"},
			Target: &schema.TableSchema{Name: "u", Fields: []schema.Field{{Name: "id", Type: "Int64"}}, PrimaryKey: "id"},
		},
	})

	require.NoError(t, s.Save(c))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseRealtime, loaded.Phase)
	assert.Equal(t, c.LastProcessedTransaction, loaded.LastProcessedTransaction)
	assert.Equal(t, []string{"u", "v"}, loaded.Tables)
	assert.Equal(t, uint64(42), loaded.TablesLastRecordVersion["u"])
	assert.Contains(t, loaded.Schemas(), "u")
}

// TestLoadSeedsNonUploadedFromPersisted preserves design note #2: on
// load, last_processed_transaction_non_uploaded is set equal to
// last_processed_transaction, not to any independently persisted value.
func TestLoadSeedsNonUploadedFromPersisted(t *testing.T) {
	dir := t.TempDir()
	s := state.New(dir, "db1")

	c := state.NewCursors()
	c.LastProcessedTransaction = txid.ID{Name: "bin.000001", Pos: 500}
	c.LastProcessedTransactionNonUploaded = txid.ID{Name: "bin.000001", Pos: 900} // in-memory only, never persisted
	require.NoError(t, s.Save(c))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, loaded.LastProcessedTransaction, loaded.LastProcessedTransactionNonUploaded)
	assert.Equal(t, uint32(500), loaded.LastProcessedTransactionNonUploaded.Pos)
}

func TestCorruptFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db1")
	require.NoError(t, os.MkdirAll(dbDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dbDir, "state.json"), []byte("{not json"), 0o644))

	s := state.New(dir, "db1")
	_, err := s.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrCorrupt)
}

func TestSaveNeverLeavesPartialFileObservable(t *testing.T) {
	dir := t.TempDir()
	s := state.New(dir, "db1")

	c := state.NewCursors()
	c.Phase = state.PhaseInitialSnapshot
	require.NoError(t, s.Save(c))

	// The temp file must never remain after a successful save.
	_, err := os.Stat(filepath.Join(dir, "db1", "state.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "db1", "state.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
