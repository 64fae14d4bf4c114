// Package source implements the Source Reader (C1): read-only access to
// the remote relational source, via database/sql over a pooled driver.
//
// Grounded on the teacher's pgx/v5 connection handling (flusher.go,
// NewFlusher) and on ajitpratap0-nebula/pkg/connector/sources/postgresql's
// cursor/position patterns, generalized to database/sql so the same reader
// works against any driver the configured Dialect names.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

// Dialect supplies the catalog-introspection and predicate SQL that
// differs between source vendors; the reader's cursor/batch machinery is
// vendor-agnostic.
type Dialect interface {
	// DescribeQuery returns a query whose result columns are
	// (column_name, data_type, is_nullable) for qualifiedTable.
	DescribeQuery(qualifiedTable string) (query string, args []any)
	// SelectSQL builds the SELECT for a cursor: all columns, ordered by
	// orderBy ascending, optionally filtered to temporalKey > watermark.
	// watermark is returned as bound args, never interpolated into the
	// query text — it comes from a persisted checkpoint, not a literal.
	SelectSQL(qualifiedTable string, columns []string, orderBy []string, watermark string) (query string, args []any)
	// Placeholder returns the positional parameter marker for index i
	// (1-based), e.g. "$1" for Postgres, "?" for MySQL/SQLite.
	Placeholder(i int) string
}

// Reader is the Source Reader (C1) bound to one database/sql pool.
type Reader struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to driverName/dsn and returns a Reader using dialect for
// vendor-specific SQL. The pool is left open for the Reader's lifetime;
// callers call Close when done with all cursors.
func Open(driverName, dsn string, dialect Dialect) (*Reader, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.SourceUnavailable, "failed to open source connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncerr.Wrap(err, syncerr.SourceUnavailable, "source ping failed")
	}
	return &Reader{db: db, dialect: dialect}, nil
}

// Close releases the connection pool.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Describe returns column metadata for binding's source table, reading
// only catalog data — no rows.
func (r *Reader) Describe(ctx context.Context, binding syncmodel.TableBinding) ([]ColumnInfo, error) {
	query, args := r.dialect.DescribeQuery(binding.QualifiedSourceTable())
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.SchemaUnknown, "failed to describe source table").WithTable(binding.TargetTable)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		var nullable string
		if err := rows.Scan(&c.Name, &c.SourceType, &nullable); err != nil {
			return nil, syncerr.Wrap(err, syncerr.SchemaUnknown, "failed to scan catalog row").WithTable(binding.TargetTable)
		}
		c.Nullable = strings.EqualFold(nullable, "YES") || strings.EqualFold(nullable, "true")
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.SchemaUnknown, "catalog scan failed").WithTable(binding.TargetTable)
	}
	if len(cols) == 0 {
		return nil, syncerr.New(syncerr.SchemaUnknown, "source table not found").WithTable(binding.TargetTable)
	}
	return cols, nil
}

// ColumnInfo is a source catalog column, the input to internal/typemap.
type ColumnInfo struct {
	Name       string
	SourceType string
	Nullable   bool
}

// Batch is the rows returned from one nextBatch call, plus the maximum
// temporal-key value it contains for watermark advancement. It is
// row-oriented: Rows holds one []any per row, with values in Columns
// order; no column-oriented form is built.
type Batch struct {
	Columns        []string
	Rows           [][]any
	MaxWatermark   string
	HasMaxWatermark bool
}

// Cursor wraps one live *sql.Rows over a dedicated *sql.Conn, so the
// server-side cursor position survives across NextBatch calls — never
// re-querying and skipping, which would violate snapshot stability for
// non-unique temporal keys (spec.md §4.1 Constraints).
type Cursor struct {
	conn        *sql.Conn
	rows        *sql.Rows
	columns     []string
	temporalIdx []int // indices into columns that form the temporal key, in order
	closed      bool
	limited     bool
	remaining   int
}

// OpenFull positions a cursor at the start of binding's source table,
// ordered by temporal key ascending (or by primary key if no temporal key
// is set, so scans are still deterministic).
func (r *Reader) OpenFull(ctx context.Context, binding syncmodel.TableBinding, columns []ColumnInfo) (*Cursor, error) {
	orderBy := orderColumns(binding)
	sqlText, args := r.dialect.SelectSQL(binding.QualifiedSourceTable(), columnNames(columns), orderBy, "")
	return r.open(ctx, binding, columns, sqlText, args)
}

// OpenIncremental positions a cursor at rows whose temporal key strictly
// exceeds watermark, ordered by temporal key ascending. Rejects bindings
// with no temporal key (incremental sync is undefined for them).
func (r *Reader) OpenIncremental(ctx context.Context, binding syncmodel.TableBinding, columns []ColumnInfo, watermark string) (*Cursor, error) {
	if !binding.SupportsIncremental() {
		return nil, syncerr.New(syncerr.SchemaUnknown, "table has no temporal key; incremental sync not supported").WithTable(binding.TargetTable)
	}
	orderBy := orderColumns(binding)
	sqlText, args := r.dialect.SelectSQL(binding.QualifiedSourceTable(), columnNames(columns), orderBy, watermark)
	return r.open(ctx, binding, columns, sqlText, args)
}

// OpenLimited behaves like OpenFull but the returned cursor yields no more
// than maxRows total across all NextBatch calls, for test syncs.
func (r *Reader) OpenLimited(ctx context.Context, binding syncmodel.TableBinding, columns []ColumnInfo, maxRows int) (*Cursor, error) {
	c, err := r.OpenFull(ctx, binding, columns)
	if err != nil {
		return nil, err
	}
	c.remaining = maxRows
	c.limited = true
	return c, nil
}

func (r *Reader) open(ctx context.Context, binding syncmodel.TableBinding, columns []ColumnInfo, sqlText string, args []any) (*Cursor, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.SourceUnavailable, "failed to check out connection").WithTable(binding.TargetTable)
	}
	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		conn.Close()
		return nil, syncerr.Wrap(err, syncerr.SourceReadError, "failed to open cursor").WithTable(binding.TargetTable)
	}

	names := columnNames(columns)
	temporalIdx := make([]int, 0, len(binding.TemporalKey))
	for _, key := range binding.TemporalKey {
		for i, n := range names {
			if n == key {
				temporalIdx = append(temporalIdx, i)
				break
			}
		}
	}

	return &Cursor{conn: conn, rows: rows, columns: names, temporalIdx: temporalIdx}, nil
}

// NextBatch returns up to n rows from the cursor, or (nil, false, nil) at
// end of data. Row values keep their native scanned Go type (time.Time for
// a TIMESTAMP column, etc.) — analytics.InsertBatch's Appender requires
// exactly that type per column, so nothing here coerces a value to a
// string. Only the textual watermark key derived from the temporal
// column(s) is formatted as UTC RFC3339Nano; nulls are preserved as nil.
func (c *Cursor) NextBatch(ctx context.Context, n int) (*Batch, bool, error) {
	if c.closed {
		return nil, false, syncerr.New(syncerr.SourceReadError, "cursor already closed")
	}
	if c.limited && c.remaining <= 0 {
		return nil, false, nil
	}
	if c.limited && n > c.remaining {
		n = c.remaining
	}

	batch := &Batch{Columns: c.columns}
	count := 0
	for count < n {
		if !c.rows.Next() {
			break
		}
		values := make([]any, len(c.columns))
		ptrs := make([]any, len(c.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return nil, false, syncerr.Wrap(err, syncerr.SourceReadError, "failed to scan row")
		}
		batch.Rows = append(batch.Rows, values)
		count++
	}
	if err := c.rows.Err(); err != nil {
		return nil, false, syncerr.Wrap(err, syncerr.SourceReadError, "cursor scan failed")
	}
	if c.limited {
		c.remaining -= count
	}
	if count == 0 {
		return nil, false, nil
	}

	if len(c.temporalIdx) > 0 {
		last := batch.Rows[len(batch.Rows)-1]
		parts := make([]string, len(c.temporalIdx))
		for i, idx := range c.temporalIdx {
			parts[i] = watermarkKey(last[idx])
		}
		batch.MaxWatermark = strings.Join(parts, "\x1f")
		batch.HasMaxWatermark = true
	}
	return batch, true, nil
}

// Close releases the cursor's rows and connection. Idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows != nil {
		c.rows.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// watermarkKey renders v as the textual comparison key stored in a
// ProgressCheckpoint and bound as an argument of a future SelectSQL
// predicate. time.Time is rendered in UTC as RFC3339Nano; that layout drops
// trailing zeros from the fractional seconds, so it is not fixed-width, and
// plain string comparison of two keys follows chronological order only when
// both carry the same number of fractional digits. Everything else uses its
// default formatting.
func watermarkKey(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}


func orderColumns(binding syncmodel.TableBinding) []string {
	if len(binding.TemporalKey) > 0 {
		return binding.TemporalKey
	}
	return binding.PrimaryKey
}

func columnNames(cols []ColumnInfo) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
