package mysqlclient_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/chreplicator/pkg/dbconn"
	"github.com/block/chreplicator/pkg/source/mysqlclient"
)

func TestGetTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW TABLES FROM `testdb`").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_testdb"}).AddRow("u").AddRow("v"))

	c := mysqlclient.New(db, "testdb", dbconn.NewConfig())
	tables, err := c.GetTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u", "v"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTableCreateStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW CREATE TABLE `testdb`.`u`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("u", "CREATE TABLE u (id int)"))

	c := mysqlclient.New(db, "testdb", dbconn.NewConfig())
	sql, err := c.GetTableCreateStatement(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE u (id int)", sql)
}

func TestGetRecordsFirstPageHasNoLowerBound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE").
		WithArgs("testdb", "u").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery("SELECT \\* FROM `testdb`\\.`u` ORDER BY `id` LIMIT \\?").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "a").AddRow(2, "b"))

	c := mysqlclient.New(db, "testdb", dbconn.NewConfig())
	rows, err := c.GetRecords(context.Background(), "u", 2, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0][0])
}

func TestGetRecordsSubsequentPageUsesKeysetPagination(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE").
		WithArgs("testdb", "u").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery("SELECT \\* FROM `testdb`\\.`u` WHERE `id` > \\? ORDER BY `id` LIMIT \\?").
		WithArgs(2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(3, "c"))

	c := mysqlclient.New(db, "testdb", dbconn.NewConfig())
	rows, err := c.GetRecords(context.Background(), "u", 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0][0])
}
