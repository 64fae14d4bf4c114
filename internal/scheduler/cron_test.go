package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) cronSpec {
	t.Helper()
	spec, err := parseCron(expr)
	require.NoError(t, err)
	return spec
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02T15:04", value)
	require.NoError(t, err)
	return parsed
}

func TestParseCron_RejectsWrongFieldCount(t *testing.T) {
	_, err := parseCron("* * *")
	require.Error(t, err)
}

func TestParseCron_Wildcard(t *testing.T) {
	spec := mustParse(t, "* * * * *")
	assert.True(t, spec.matches(at(t, "2026-03-05T09:00")))
	assert.True(t, spec.matches(at(t, "2026-03-05T23:59")))
}

func TestParseCron_EveryFiveMinutes(t *testing.T) {
	spec := mustParse(t, "*/5 * * * *")
	assert.True(t, spec.matches(at(t, "2026-03-05T09:00")))
	assert.True(t, spec.matches(at(t, "2026-03-05T09:05")))
	assert.False(t, spec.matches(at(t, "2026-03-05T09:07")))
}

func TestParseCron_HourRange(t *testing.T) {
	spec := mustParse(t, "0 9-17 * * *")
	assert.True(t, spec.matches(at(t, "2026-03-05T09:00")))
	assert.True(t, spec.matches(at(t, "2026-03-05T17:00")))
	assert.False(t, spec.matches(at(t, "2026-03-05T18:00")))
	assert.False(t, spec.matches(at(t, "2026-03-05T09:30")))
}

func TestParseCron_List(t *testing.T) {
	spec := mustParse(t, "0 0 1,15 * *")
	assert.True(t, spec.matches(at(t, "2026-03-01T00:00")))
	assert.True(t, spec.matches(at(t, "2026-03-15T00:00")))
	assert.False(t, spec.matches(at(t, "2026-03-02T00:00")))
}

func TestNext_FindsNextMatchingMinute(t *testing.T) {
	spec := mustParse(t, "30 * * * *")
	got := spec.next(at(t, "2026-03-05T09:00"))
	assert.Equal(t, at(t, "2026-03-05T09:30"), got)
}

func TestNext_RollsOverToNextDay(t *testing.T) {
	spec := mustParse(t, "0 0 * * *")
	got := spec.next(at(t, "2026-03-05T23:30"))
	assert.Equal(t, at(t, "2026-03-06T00:00"), got)
}
