// Package typemap implements the deterministic, side-effect-free mapping
// from a source catalog's column type text to an analytics TargetType.
//
// Shaped after original_source/database/sync_engine.py's map_oracle_type
// (a pure static method with no dependency on any connection), but
// following spec.md's richer precision-aware table rather than the
// original's "everything numeric is DOUBLE" simplification.
package typemap

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

var numberWithArgs = regexp.MustCompile(`^NUMBER\(\s*(\d+)\s*(?:,\s*(-?\d+)\s*)?\)`)

// Mapped is the result of mapping one source type string.
type Mapped struct {
	Target    syncmodel.TargetType
	Precision int
	Scale     int
}

// Map classifies sourceType per spec.md §4.3's ordered rule table. It never
// silently coerces: an unrecognized type returns a *syncerr.Error of kind
// TypeUnmappable.
func Map(sourceType string) (Mapped, error) {
	t := strings.ToUpper(strings.TrimSpace(sourceType))

	if m := numberWithArgs.FindStringSubmatch(t); m != nil {
		precision, _ := strconv.Atoi(m[1])
		scale := 0
		if m[2] != "" {
			scale, _ = strconv.Atoi(m[2])
		}
		if scale == 0 && precision <= 10 {
			return Mapped{Target: syncmodel.Integer}, nil
		}
		if scale > 0 {
			return Mapped{Target: syncmodel.Decimal, Precision: precision, Scale: scale}, nil
		}
		// precision > 10, scale == 0: falls through to Double below via the
		// bare "NUMBER with no precision" rule's sibling case.
		return Mapped{Target: syncmodel.Double}, nil
	}

	switch {
	case hasPrefix(t, "INT"), hasPrefix(t, "SMALLINT"):
		return Mapped{Target: syncmodel.Integer}, nil
	case hasPrefix(t, "DECIMAL"), hasPrefix(t, "NUMERIC"):
		precision, scale := parsePrecisionScale(t)
		if scale > 0 {
			return Mapped{Target: syncmodel.Decimal, Precision: precision, Scale: scale}, nil
		}
		return Mapped{Target: syncmodel.Double}, nil
	case hasPrefix(t, "FLOAT"), t == "BINARY_FLOAT", t == "BINARY_DOUBLE":
		return Mapped{Target: syncmodel.Double}, nil
	case t == "NUMBER":
		return Mapped{Target: syncmodel.Double}, nil
	case hasPrefix(t, "TIMESTAMP"), hasPrefix(t, "DATE"):
		return Mapped{Target: syncmodel.Timestamp}, nil
	case hasPrefix(t, "CHAR"), hasPrefix(t, "VARCHAR"), hasPrefix(t, "NCHAR"), hasPrefix(t, "CLOB"):
		return Mapped{Target: syncmodel.VarChar}, nil
	default:
		return Mapped{}, syncerr.Newf(syncerr.TypeUnmappable, "no mapping for source type %q", sourceType)
	}
}

func hasPrefix(t, prefix string) bool {
	return strings.HasPrefix(t, prefix)
}

// parsePrecisionScale extracts "(p,s)" or "(p)" from a DECIMAL/NUMERIC type
// string, returning zeros when absent.
func parsePrecisionScale(t string) (precision, scale int) {
	open := strings.IndexByte(t, '(')
	if open < 0 {
		return 0, 0
	}
	close := strings.IndexByte(t[open:], ')')
	if close < 0 {
		return 0, 0
	}
	inner := t[open+1 : open+close]
	parts := strings.Split(inner, ",")
	if len(parts) >= 1 {
		precision, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	}
	if len(parts) >= 2 {
		scale, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return precision, scale
}

// MapColumns maps every column of a source schema into ColumnSpecs, setting
// IsPrimaryKey/IsTemporal from the binding's key lists. Returns the first
// TypeUnmappable error encountered, per spec.md's "fail before any DDL".
func MapColumns(schema []SourceColumn, primaryKey, temporalKey []string) ([]syncmodel.ColumnSpec, error) {
	pk := toSet(primaryKey)
	tk := toSet(temporalKey)

	cols := make([]syncmodel.ColumnSpec, 0, len(schema))
	for _, sc := range schema {
		mapped, err := Map(sc.SourceType)
		if err != nil {
			return nil, err
		}
		cols = append(cols, syncmodel.ColumnSpec{
			Name:         sc.Name,
			SourceType:   sc.SourceType,
			TargetType:   mapped.Target,
			Nullable:     sc.Nullable,
			IsPrimaryKey: pk[sc.Name],
			IsTemporal:   tk[sc.Name],
			Precision:    mapped.Precision,
			Scale:        mapped.Scale,
		})
	}
	return cols, nil
}

// SourceColumn is the minimal shape internal/source.Describe returns; kept
// here rather than imported from internal/source so that typemap does not
// depend on the source package. The engine converts between the two.
type SourceColumn struct {
	Name       string
	SourceType string
	Nullable   bool
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}
