// Package mysql implements convert.Converter for a MySQL source and a
// ClickHouse-dialect target, built on the TiDB SQL parser -- the same
// pingcap/tidb/pkg/parser the teacher uses throughout pkg/lint to parse
// CREATE/ALTER TABLE statements.
package mysql

import (
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // registers literal-expression evaluation the parser needs

	"github.com/block/chreplicator/pkg/convert"
	"github.com/block/chreplicator/pkg/schema"
)

// Converter translates MySQL DDL/DML into ClickHouse DDL/DML.
type Converter struct{}

// New returns a MySQL -> ClickHouse Converter.
func New() *Converter {
	return &Converter{}
}

var _ convert.Converter = (*Converter)(nil)

func parseOne(sql string) (ast.StmtNode, error) {
	p := parser.New()
	stmt, err := p.ParseOneStmt(sql, "", "")
	if err != nil {
		return nil, errors.Annotatef(err, "convert: parsing %q", sql)
	}
	return stmt, nil
}

// ParseSourceCreate implements convert.Converter.
func (c *Converter) ParseSourceCreate(sql string) (schema.Pair, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return schema.Pair{}, err
	}
	ct, ok := stmt.(*ast.CreateTableStmt)
	if !ok {
		return schema.Pair{}, errors.Errorf("convert: expected CREATE TABLE, got %T", stmt)
	}
	return schemaPairFromCreateTable(ct)
}

func schemaPairFromCreateTable(ct *ast.CreateTableStmt) (schema.Pair, error) {
	tableName := ct.Table.Name.O

	primaryKeyColumn := primaryKeyColumnName(ct)
	if primaryKeyColumn == "" {
		return schema.Pair{}, errors.Errorf("convert: table %q has no primary key; a primary key is required", tableName)
	}

	srcFields := make([]schema.Field, 0, len(ct.Cols))
	dstFields := make([]schema.Field, 0, len(ct.Cols))
	pkIndex := -1
	for i, col := range ct.Cols {
		name := col.Name.Name.O
		srcFields = append(srcFields, schema.Field{Name: name, Type: mysqlColumnTypeString(col)})
		dstFields = append(dstFields, schema.Field{Name: name, Type: toClickHouseType(col)})
		if strings.EqualFold(name, primaryKeyColumn) {
			pkIndex = i
		}
	}
	if pkIndex == -1 {
		return schema.Pair{}, errors.Errorf("convert: primary key column %q not found among columns of %q", primaryKeyColumn, tableName)
	}

	src := &schema.TableSchema{Name: tableName, Fields: srcFields, PrimaryKey: primaryKeyColumn, PrimaryKeyIndex: pkIndex}
	dst := &schema.TableSchema{Name: tableName, Fields: dstFields, PrimaryKey: primaryKeyColumn, PrimaryKeyIndex: pkIndex}
	return schema.Pair{Source: src, Target: dst}, nil
}

// primaryKeyColumnName finds the primary key, whether declared inline on
// a column (PRIMARY KEY column option) or as a table-level constraint.
// Composite primary keys are not supported (spec requires a single PK
// column) -- if the table-level constraint names more than one column,
// only the first is used and the mismatch is the operator's to resolve.
func primaryKeyColumnName(ct *ast.CreateTableStmt) string {
	for _, col := range ct.Cols {
		for _, opt := range col.Options {
			if opt.Tp == ast.ColumnOptionPrimaryKey {
				return col.Name.Name.O
			}
		}
	}
	for _, constraint := range ct.Constraints {
		if constraint.Tp == ast.ConstraintPrimaryKey && len(constraint.Keys) > 0 {
			if constraint.Keys[0].Column != nil {
				return constraint.Keys[0].Column.Name.O
			}
		}
	}
	return ""
}

// mysqlColumnTypeString renders a column's MySQL type the way SHOW
// CREATE TABLE would (e.g. "int(11)", "varchar(255)"). The Initial
// Snapshotter does not inspect it: its paging cursor is passed to the
// source client unquoted, as a bound query argument (see pkg/source).
func mysqlColumnTypeString(col *ast.ColumnDef) string {
	if col.Tp == nil {
		return ""
	}
	return col.Tp.InfoSchemaStr()
}

// ConvertAlter implements convert.Converter. Only ADD COLUMN and DROP
// COLUMN specs are translated; anything else (MODIFY, CHANGE, PARTITION
// BY, RENAME, ...) returns ok=false, matching scenario 6 in
// SPEC_FULL.md §8 ("unsupported DDL: warn and skip, not fatal").
func (c *Converter) ConvertAlter(sql, db string) (string, bool, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return "", false, err
	}
	at, ok := stmt.(*ast.AlterTableStmt)
	if !ok {
		return "", false, errors.Errorf("convert: expected ALTER TABLE, got %T", stmt)
	}

	tableName := at.Table.Name.O
	var clauses []string
	for _, spec := range at.Specs {
		switch spec.Tp {
		case ast.AlterTableAddColumns:
			for _, col := range spec.NewColumns {
				clauses = append(clauses, fmt.Sprintf("ADD COLUMN `%s` %s", col.Name.Name.O, toClickHouseType(col)))
			}
		case ast.AlterTableDropColumn:
			if spec.OldColumnName == nil {
				return "", false, nil
			}
			clauses = append(clauses, fmt.Sprintf("DROP COLUMN `%s`", spec.OldColumnName.Name.O))
		default:
			// Unsupported alteration kind: null conversion, caller logs
			// and skips rather than treating this as fatal.
			return "", false, nil
		}
	}
	if len(clauses) == 0 {
		return "", false, nil
	}
	targetSQL := fmt.Sprintf("ALTER TABLE `%s`.`%s` %s", db, tableName, strings.Join(clauses, ", "))
	return targetSQL, true, nil
}

// ConvertRows implements convert.Converter. Values are passed through;
// type coercion between the source and target dialects happens at the
// target write boundary (pkg/target), since ClickHouse's native driver
// accepts Go's native int64/string/float64/time.Time values directly --
// the schema pair's target field types are only needed to build DDL and
// to classify integer-vs-string primary keys, not to reshape values.
func (c *Converter) ConvertRows(rows [][]any, _ schema.Pair) ([][]any, error) {
	out := make([][]any, len(rows))
	copy(out, rows)
	return out, nil
}

// toClickHouseType maps a MySQL column's parsed type -- dispatched on
// the exact mysql.TypeXxx constant the parser assigned it, not a string
// match against its rendered form -- to its ClickHouse equivalent.
func toClickHouseType(col *ast.ColumnDef) string {
	if col.Tp == nil {
		return "String"
	}
	unsigned := col.Tp.GetFlag()&mysql.UnsignedFlag != 0

	switch col.Tp.GetType() {
	case mysql.TypeTiny:
		if unsigned {
			return "UInt8"
		}
		return "Int8"
	case mysql.TypeShort:
		if unsigned {
			return "UInt16"
		}
		return "Int16"
	case mysql.TypeInt24, mysql.TypeLong:
		if unsigned {
			return "UInt32"
		}
		return "Int32"
	case mysql.TypeLonglong:
		if unsigned {
			return "UInt64"
		}
		return "Int64"
	case mysql.TypeFloat:
		return "Float32"
	case mysql.TypeDouble:
		return "Float64"
	case mysql.TypeNewDecimal, mysql.TypeDecimal:
		return "Decimal(38, 10)"
	case mysql.TypeDate, mysql.TypeNewDate:
		return "Date"
	case mysql.TypeDatetime, mysql.TypeTimestamp:
		return "DateTime"
	case mysql.TypeBit:
		return "UInt64"
	case mysql.TypeVarchar, mysql.TypeVarString, mysql.TypeString,
		mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob, mysql.TypeBlob,
		mysql.TypeEnum, mysql.TypeSet, mysql.TypeJSON:
		return "String"
	default:
		return "String"
	}
}
