// Package mysqlclient implements source.Client against a live MySQL
// database via database/sql, reusing the teacher's connection
// standardization and retry logic in pkg/dbconn.
package mysqlclient

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pingcap/errors"

	"github.com/block/chreplicator/pkg/dbconn"
	"github.com/block/chreplicator/pkg/source"
)

// Client is a source.Client backed by a *sql.DB opened with dbconn.New.
type Client struct {
	db       *sql.DB
	database string
	retry    *dbconn.Config
}

// New wraps an already-open, standardized connection. Use dbconn.New to
// open db so TLS and session variables match the rest of the replicator.
// retry governs how many times a transient read error (lock-wait
// timeout, connection loss) is retried before GetTables/
// GetTableCreateStatement/GetRecords give up; pass dbconn.NewConfig()
// for the teacher's defaults.
func New(db *sql.DB, database string, retry *dbconn.Config) *Client {
	return &Client{db: db, database: database, retry: retry}
}

var _ source.Client = (*Client)(nil)

// GetTables implements source.Client.
func (c *Client) GetTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := dbconn.Retryable(c.retry, func() error {
		tables = nil
		rows, err := c.db.QueryContext(ctx, "SHOW TABLES FROM `"+c.database+"`")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Annotate(err, "mysqlclient: SHOW TABLES")
	}
	return tables, nil
}

// GetTableCreateStatement implements source.Client.
func (c *Client) GetTableCreateStatement(ctx context.Context, table string) (string, error) {
	var createSQL string
	err := dbconn.Retryable(c.retry, func() error {
		row := c.db.QueryRowContext(ctx, fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", c.database, table))
		var name string
		return row.Scan(&name, &createSQL)
	})
	if err != nil {
		return "", errors.Annotatef(err, "mysqlclient: SHOW CREATE TABLE %s", table)
	}
	return createSQL, nil
}

// GetRecords implements source.Client: a single PK-ordered page of the
// initial snapshot, using keyset pagination (WHERE pk > ?) rather than
// OFFSET so the scan stays efficient and stable as the table grows
// concurrently with the scan (SPEC_FULL.md §4.3).
func (c *Client) GetRecords(ctx context.Context, table string, limit int, startValue any) ([][]any, error) {
	primaryKeyColumn, err := c.primaryKeyColumn(ctx, table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE `%s` > ? ORDER BY `%s` LIMIT ?", c.database, table, primaryKeyColumn, primaryKeyColumn)
	if startValue == nil {
		query = fmt.Sprintf("SELECT * FROM `%s`.`%s` ORDER BY `%s` LIMIT ?", c.database, table, primaryKeyColumn)
	}

	var out [][]any
	err = dbconn.Retryable(c.retry, func() error {
		var rows *sql.Rows
		var qerr error
		if startValue == nil {
			rows, qerr = c.db.QueryContext(ctx, query, limit)
		} else {
			rows, qerr = c.db.QueryContext(ctx, query, startValue, limit)
		}
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		out, qerr = scanRows(rows)
		return qerr
	})
	if err != nil {
		return nil, errors.Annotatef(err, "mysqlclient: paging %s", table)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

func (c *Client) primaryKeyColumn(ctx context.Context, table string) (string, error) {
	var col string
	err := dbconn.Retryable(c.retry, func() error {
		row := c.db.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE "+
				"WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY' "+
				"ORDER BY ORDINAL_POSITION LIMIT 1"), c.database, table)
		return row.Scan(&col)
	})
	if err != nil {
		return "", errors.Annotatef(err, "mysqlclient: resolving primary key of %s", table)
	}
	return col, nil
}

// Close implements source.Client.
func (c *Client) Close() error {
	return c.db.Close()
}
