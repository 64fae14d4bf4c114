package source

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect against SQLite's pragma-based catalog,
// grounded on viant-sqlite-vec/go.mod's modernc.org/sqlite dependency.
// Used both as a lightweight embedded-source option and as the real
// engine this module's test suites stand in for the relational source
// with, in place of mocks.
type SQLiteDialect struct{}

func (SQLiteDialect) DescribeQuery(qualifiedTable string) (string, []any) {
	// pragma_table_info is a table-valued function, so its columns can be
	// projected like any other query — normalized here to the
	// (name, type, is_nullable) shape every Dialect.DescribeQuery returns.
	query := fmt.Sprintf(
		`SELECT name, type, CASE WHEN "notnull" = 0 THEN 'YES' ELSE 'NO' END FROM pragma_table_info('%s')`,
		qualifiedTable)
	return query, nil
}

func (d SQLiteDialect) SelectSQL(qualifiedTable string, columns []string, orderBy []string, watermark string) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}
	order := make([]string, len(orderBy))
	for i, c := range orderBy {
		order[i] = `"` + c + `"`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(quoted, ", "), qualifiedTable)
	var args []any
	if watermark != "" && len(orderBy) > 0 {
		predicate, predicateArgs := temporalPredicate(d, order, watermark)
		fmt.Fprintf(&b, " WHERE %s", predicate)
		args = predicateArgs
	}
	if len(order) > 0 {
		fmt.Fprintf(&b, " ORDER BY %s ASC", strings.Join(order, ", "))
	}
	return b.String(), args
}

func (SQLiteDialect) Placeholder(i int) string {
	return "?"
}
