package schema_test

import (
	"testing"

	"github.com/block/chreplicator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair(table string) schema.Pair {
	src := &schema.TableSchema{
		Name:            table,
		Fields:          []schema.Field{{Name: "id", Type: "INT"}, {Name: "name", Type: "VARCHAR"}},
		PrimaryKey:      "id",
		PrimaryKeyIndex: 0,
	}
	dst := &schema.TableSchema{
		Name:            table,
		Fields:          []schema.Field{{Name: "id", Type: "Int64"}, {Name: "name", Type: "String"}},
		PrimaryKey:      "id",
		PrimaryKeyIndex: 0,
	}
	return schema.Pair{Source: src, Target: dst}
}

func TestRegistrySetGet(t *testing.T) {
	r := schema.NewRegistry()
	_, ok := r.Get("u")
	assert.False(t, ok)

	r.Set("u", testPair("u"))
	p, ok := r.Get("u")
	require.True(t, ok)
	assert.Equal(t, "id", p.Target.PrimaryKey)
}

func TestMustGetUnknownTable(t *testing.T) {
	r := schema.NewRegistry()
	_, err := r.MustGet("ghost")
	require.Error(t, err)
	var unknown *schema.ErrUnknownTable
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Table)
}

func TestDeleteAndSnapshotAndLoad(t *testing.T) {
	r := schema.NewRegistry()
	r.Set("u", testPair("u"))
	r.Set("v", testPair("v"))

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	r2 := schema.NewRegistry()
	r2.Load(snap)
	_, ok := r2.Get("u")
	assert.True(t, ok)
	_, ok = r2.Get("v")
	assert.True(t, ok)

	r2.Delete("u")
	_, ok = r2.Get("u")
	assert.False(t, ok)
}

func TestPrimaryKeyFieldAndFieldNames(t *testing.T) {
	p := testPair("u")
	assert.Equal(t, schema.Field{Name: "id", Type: "INT"}, p.Source.PrimaryKeyField())
	assert.Equal(t, []string{"id", "name"}, p.Source.FieldNames())
}
