package binlog_test

import (
	"testing"

	"github.com/block/chreplicator/pkg/binlog"
	"github.com/stretchr/testify/assert"
)

func TestParseQueryKind(t *testing.T) {
	cases := []struct {
		sql  string
		want binlog.QueryKind
	}{
		{"ALTER TABLE u ADD COLUMN age INT", binlog.QueryAlter},
		{"  alter table u drop column age", binlog.QueryAlter},
		{"CREATE TABLE u (id INT PRIMARY KEY)", binlog.QueryCreateTable},
		{"create table if not exists u (id int)", binlog.QueryCreateTable},
		{"DROP TABLE u", binlog.QueryDropTable},
		{"TRUNCATE TABLE u", binlog.QueryOther},
		{"RENAME TABLE u TO v", binlog.QueryOther},
	}
	for _, tc := range cases {
		e := &binlog.Event{Kind: binlog.EventQuery, SQL: tc.sql}
		assert.Equal(t, tc.want, e.ParseQueryKind(), tc.sql)
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "ADD", binlog.EventAdd.String())
	assert.Equal(t, "REMOVE", binlog.EventRemove.String())
	assert.Equal(t, "QUERY", binlog.EventQuery.String())
}
