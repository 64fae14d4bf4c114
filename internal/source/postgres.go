package source

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect against information_schema, the
// catalog surface the teacher's Postgres connection already targets
// (flusher.go's GetHighWatermark queries information_schema-adjacent
// system tables the same way).
type PostgresDialect struct {
	Schema string // defaults to "public" when empty
}

func (d PostgresDialect) schema() string {
	if d.Schema == "" {
		return "public"
	}
	return d.Schema
}

func (d PostgresDialect) DescribeQuery(qualifiedTable string) (string, []any) {
	table := qualifiedTable
	schema := d.schema()
	if idx := strings.IndexByte(qualifiedTable, '.'); idx >= 0 {
		schema = qualifiedTable[:idx]
		table = qualifiedTable[idx+1:]
	}
	query := `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`
	return query, []any{schema, table}
}

func (d PostgresDialect) SelectSQL(qualifiedTable string, columns []string, orderBy []string, watermark string) (string, []any) {
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

func (d PostgresDialect) Placeholder(i int) string {
	return fmt.Sprintf("$%d", i)
}

// temporalPredicate builds a strict row-wise comparison over a (possibly
// composite) temporal key: `(a, b) > ($1, $2)`, the lexicographic
// ordering spec.md §4.1 requires for composite keys. watermark is a
// persisted checkpoint value, not a literal, so it is always returned as
// a bound arg rather than interpolated into the predicate text.
func temporalPredicate(d Dialect, orderBy []string, watermark string) (string, []any) {
	parts := strings.Split(watermark, "\x1f")
	if len(orderBy) == 1 {
		return fmt.Sprintf("%s > %s", orderBy[0], d.Placeholder(1)), []any{parts[0]}
	}
	markers := make([]string, len(parts))
	args := make([]any, len(parts))
	for i, p := range parts {
		markers[i] = d.Placeholder(i + 1)
		args[i] = p
	}
	return fmt.Sprintf("(%s) > (%s)", strings.Join(orderBy, ", "), strings.Join(markers, ", ")), args
}
