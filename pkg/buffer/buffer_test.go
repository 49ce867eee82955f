package buffer_test

import (
	"testing"

	"github.com/block/chreplicator/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertThenDeleteCoalesces(t *testing.T) {
	b := buffer.New()
	b.AddInsert("u", []any{3}, buffer.Row{3, "c"})
	b.AddDelete("u", []any{3})

	ins, del := b.TableLen("u")
	assert.Equal(t, 0, ins)
	assert.Equal(t, 1, del)
	assert.True(t, b.AssertDisjoint())
}

func TestDeleteThenInsertCoalesces(t *testing.T) {
	b := buffer.New()
	b.AddDelete("u", []any{4})
	b.AddInsert("u", []any{4}, buffer.Row{4, "d"})

	ins, del := b.TableLen("u")
	assert.Equal(t, 1, ins)
	assert.Equal(t, 0, del)
	assert.True(t, b.AssertDisjoint())

	rows := b.Inserts("u")
	require.Len(t, rows, 1)
	assert.Equal(t, buffer.Row{4, "d"}, rows[0])
}

func TestLaterInsertOverwritesEarlier(t *testing.T) {
	b := buffer.New()
	b.AddInsert("u", []any{1}, buffer.Row{1, "a"})
	b.AddInsert("u", []any{1}, buffer.Row{1, "b"})

	rows := b.Inserts("u")
	require.Len(t, rows, 1)
	assert.Equal(t, buffer.Row{1, "b"}, rows[0])
}

func TestResetClearsEverything(t *testing.T) {
	b := buffer.New()
	b.AddInsert("u", []any{1}, buffer.Row{1, "a"})
	b.AddDelete("v", []any{2})
	assert.NotZero(t, b.Len())

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Tables())
}

func TestCompositePrimaryKeyHashing(t *testing.T) {
	b := buffer.New()
	b.AddInsert("u", []any{1, "a"}, buffer.Row{1, "a", "x"})
	b.AddInsert("u", []any{1, "b"}, buffer.Row{1, "b", "y"})
	ins, _ := b.TableLen("u")
	assert.Equal(t, 2, ins)
}

func TestTablesOnlyListsNonEmpty(t *testing.T) {
	b := buffer.New()
	b.AddInsert("u", []any{1}, buffer.Row{1})
	b.AddInsert("v", []any{2}, buffer.Row{2})
	b.AddDelete("v", []any{2}) // coalesces to a pending delete, still non-empty

	tables := b.Tables()
	assert.ElementsMatch(t, []string{"u", "v"}, tables)

	ins, del := b.TableLen("v")
	assert.Equal(t, 0, ins)
	assert.Equal(t, 1, del)
}
