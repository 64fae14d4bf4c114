package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

func openTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), "analytics.duckdb"), "main")
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestCreateTable_ThenTableExists(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()

	exists, err := w.TableExists(ctx, "events")
	require.NoError(t, err)
	assert.False(t, exists)

	cols := []syncmodel.ColumnSpec{
		{Name: "id", TargetType: syncmodel.Integer},
		{Name: "ts", TargetType: syncmodel.Timestamp},
		{Name: "amount", TargetType: syncmodel.Decimal, Precision: 18, Scale: 4},
		{Name: "note", TargetType: syncmodel.VarChar, Nullable: true},
	}
	require.NoError(t, w.CreateTable(ctx, "events", cols, []string{"id"}))

	exists, err = w.TableExists(ctx, "events")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCreateTable_RejectsUnsafeIdentifier(t *testing.T) {
	w := openTestWriter(t)
	err := w.CreateTable(context.Background(), `events"; DROP TABLE secrets; --`,
		[]syncmodel.ColumnSpec{{Name: "id", TargetType: syncmodel.Integer}}, nil)
	require.Error(t, err)
}

func TestInsertBatch_ThenRowCount(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	cols := []syncmodel.ColumnSpec{
		{Name: "id", TargetType: syncmodel.Integer},
		{Name: "note", TargetType: syncmodel.VarChar},
	}
	require.NoError(t, w.CreateTable(ctx, "events", cols, []string{"id"}))

	rows := [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(3), "c"}}
	written, err := w.InsertBatch(ctx, "events", []string{"id", "note"}, rows)
	require.NoError(t, err)
	assert.EqualValues(t, 3, written)

	count, err := w.RowCount(ctx, "events")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

// The Appender requires the exact native Go type per target column — a
// time.Time for TIMESTAMP, a float64 for DECIMAL — never a formatted
// string, so this drives both through InsertBatch rather than only the
// Integer/VarChar columns TestInsertBatch_ThenRowCount exercises.
func TestInsertBatch_TimestampAndDecimalColumns(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	cols := []syncmodel.ColumnSpec{
		{Name: "id", TargetType: syncmodel.Integer},
		{Name: "closed_at", TargetType: syncmodel.Timestamp},
		{Name: "amount", TargetType: syncmodel.Decimal, Precision: 18, Scale: 4},
	}
	require.NoError(t, w.CreateTable(ctx, "ledger", cols, []string{"id"}))

	closedAt := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	rows := [][]any{{int64(1), closedAt, 19.99}}
	written, err := w.InsertBatch(ctx, "ledger", []string{"id", "closed_at", "amount"}, rows)
	require.NoError(t, err)
	assert.EqualValues(t, 1, written)

	count, err := w.RowCount(ctx, "ledger")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	var gotClosedAt time.Time
	var gotAmount float64
	row := w.Connection().QueryRowContext(ctx, `SELECT closed_at, amount FROM "ledger" WHERE id = 1`)
	require.NoError(t, row.Scan(&gotClosedAt, &gotAmount))
	assert.True(t, closedAt.Equal(gotClosedAt))
	assert.InDelta(t, 19.99, gotAmount, 0.0001)
}

func TestInsertBatch_EmptyIsNoOp(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	cols := []syncmodel.ColumnSpec{{Name: "id", TargetType: syncmodel.Integer}}
	require.NoError(t, w.CreateTable(ctx, "events", cols, []string{"id"}))

	written, err := w.InsertBatch(ctx, "events", []string{"id"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, written)
}

func TestDropTable_IsIdempotent(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	cols := []syncmodel.ColumnSpec{{Name: "id", TargetType: syncmodel.Integer}}
	require.NoError(t, w.CreateTable(ctx, "events", cols, []string{"id"}))

	require.NoError(t, w.DropTable(ctx, "events"))
	require.NoError(t, w.DropTable(ctx, "events"))

	exists, err := w.TableExists(ctx, "events")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompact_RunsAgainstPlainTable(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	cols := []syncmodel.ColumnSpec{{Name: "id", TargetType: syncmodel.Integer}}
	require.NoError(t, w.CreateTable(ctx, "events", cols, []string{"id"}))
	require.NoError(t, w.Compact(ctx, "events"))
}
