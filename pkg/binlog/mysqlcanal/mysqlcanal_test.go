package mysqlcanal_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/chreplicator/pkg/binlog"
	"github.com/block/chreplicator/pkg/binlog/mysqlcanal"
)

// newTestReader returns a Reader whose canal.EventHandler callbacks
// (OnRow/OnRotate/OnDDL) can be exercised directly, without a live MySQL
// connection -- the same callbacks canal itself would invoke while
// streaming.
func newTestReader() *mysqlcanal.Reader {
	return mysqlcanal.New(mysqlcanal.Config{Addr: "127.0.0.1:3306", Database: "testdb"}, nil, nil)
}

func TestOnRowInsertEmitsAddEvent(t *testing.T) {
	r := newTestReader()
	require.NoError(t, r.OnRotate(&replication.EventHeader{}, &replication.RotateEvent{NextLogName: []byte("bin.000001")}))

	ev := &canal.RowsEvent{
		Table:  &schema.Table{Schema: "testdb", Name: "u"},
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{1, "alice"}},
		Header: &replication.EventHeader{LogPos: 100},
	}
	require.NoError(t, r.OnRow(ev))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.PeekBufferedEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binlog.EventAdd, got.Kind)
	assert.Equal(t, "u", got.Table)
	assert.Equal(t, "bin.000001", got.TransactionID.Name)
	assert.Equal(t, uint32(100), got.TransactionID.Pos)
}

func TestOnRowUpdateKeepsOnlyAfterImage(t *testing.T) {
	r := newTestReader()
	require.NoError(t, r.OnRotate(&replication.EventHeader{}, &replication.RotateEvent{NextLogName: []byte("bin.000001")}))

	ev := &canal.RowsEvent{
		Table:  &schema.Table{Schema: "testdb", Name: "u"},
		Action: canal.UpdateAction,
		Rows:   [][]interface{}{{1, "old"}, {1, "new"}},
		Header: &replication.EventHeader{LogPos: 200},
	}
	require.NoError(t, r.OnRow(ev))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.PeekBufferedEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binlog.EventAdd, got.Kind)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "new", got.Records[0][1])
}

func TestOnRowDeleteEmitsRemoveEvent(t *testing.T) {
	r := newTestReader()
	require.NoError(t, r.OnRotate(&replication.EventHeader{}, &replication.RotateEvent{NextLogName: []byte("bin.000001")}))

	ev := &canal.RowsEvent{
		Table:  &schema.Table{Schema: "testdb", Name: "u"},
		Action: canal.DeleteAction,
		Rows:   [][]interface{}{{1, "alice"}},
		Header: &replication.EventHeader{LogPos: 250},
	}
	require.NoError(t, r.OnRow(ev))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.PeekBufferedEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binlog.EventRemove, got.Kind)
}

func TestOnDDLEmitsQueryEvent(t *testing.T) {
	r := newTestReader()
	require.NoError(t, r.OnRotate(&replication.EventHeader{}, &replication.RotateEvent{NextLogName: []byte("bin.000001")}))
	require.NoError(t, r.OnTableChanged(&replication.EventHeader{}, "testdb", "u"))

	q := &replication.QueryEvent{Query: []byte("ALTER TABLE u ADD COLUMN age INT"), Schema: []byte("testdb")}
	require.NoError(t, r.OnDDL(&replication.EventHeader{LogPos: 300}, gomysql.Position{Name: "bin.000001", Pos: 300}, q))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.PeekBufferedEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binlog.EventQuery, got.Kind)
	assert.Equal(t, "u", got.Table)
	assert.Equal(t, binlog.QueryAlter, got.ParseQueryKind())
}

func TestOnDDLDropsStaleTableChangeFromADifferentSchema(t *testing.T) {
	r := newTestReader()
	require.NoError(t, r.OnRotate(&replication.EventHeader{}, &replication.RotateEvent{NextLogName: []byte("bin.000001")}))
	require.NoError(t, r.OnTableChanged(&replication.EventHeader{}, "otherdb", "u"))

	q := &replication.QueryEvent{Query: []byte("ALTER TABLE u ADD COLUMN age INT"), Schema: []byte("testdb")}
	require.NoError(t, r.OnDDL(&replication.EventHeader{LogPos: 300}, gomysql.Position{Name: "bin.000001", Pos: 300}, q))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.PeekBufferedEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "", got.Table)
}
