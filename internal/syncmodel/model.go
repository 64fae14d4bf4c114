// Package syncmodel holds the on-disk and on-wire record types shared by
// every sync component: column/table descriptors, persisted state, and the
// progress event stream.
package syncmodel

import "time"

// TargetType is one of the analytics store's column types. The writer
// supports exactly these five; the type mapper never produces anything
// else.
type TargetType string

const (
	Integer   TargetType = "INTEGER"
	Decimal   TargetType = "DECIMAL"
	Double    TargetType = "DOUBLE"
	VarChar   TargetType = "VARCHAR"
	Timestamp TargetType = "TIMESTAMP"
)

// ColumnSpec describes one column as mapped from the source catalog.
type ColumnSpec struct {
	Name         string     `json:"name"`
	SourceType   string     `json:"sourceType"`
	TargetType   TargetType `json:"targetType"`
	Nullable     bool       `json:"nullable"`
	IsPrimaryKey bool       `json:"isPrimaryKey"`
	IsTemporal   bool       `json:"isTemporal"`
	// Precision/Scale are carried through for DECIMAL columns; zero means
	// "unspecified" and the writer falls back to DOUBLE per spec.md §4.3.
	Precision int `json:"precision,omitempty"`
	Scale     int `json:"scale,omitempty"`
}

// TableBinding describes one source-to-target mirroring relationship.
type TableBinding struct {
	SourceSchema string   `json:"sourceSchema,omitempty"`
	SourceTable  string   `json:"sourceTable"`
	TargetTable  string   `json:"targetTable"`
	PrimaryKey   []string `json:"primaryKey"`
	TemporalKey  []string `json:"temporalKey,omitempty"`
	BatchSize    int      `json:"batchSize"`
}

// QualifiedSourceTable returns "schema.table" when a schema is set, else
// just "table" — the form every catalog query and SELECT in internal/source
// expects.
func (b TableBinding) QualifiedSourceTable() string {
	if b.SourceSchema == "" {
		return b.SourceTable
	}
	return b.SourceSchema + "." + b.SourceTable
}

// SupportsIncremental reports whether this binding has a usable temporal
// key; incremental sync is rejected otherwise (spec.md §3 invariant).
func (b TableBinding) SupportsIncremental() bool {
	return len(b.TemporalKey) > 0
}

// SchemaMapping is the versioned, persisted mapping of a table's columns.
type SchemaMapping struct {
	Version   int          `json:"version"`
	Columns   []ColumnSpec `json:"columns"`
	CreatedAt time.Time    `json:"createdAt"`
}

// SameColumnSet reports whether two mappings describe the same set of
// column names, independent of ordering or mapped type — used to detect
// the difference between "type drifted" (bump version) and "columns
// changed" (SchemaDrift, fatal for incremental).
func (m SchemaMapping) SameColumnSet(other SchemaMapping) bool {
	if len(m.Columns) != len(other.Columns) {
		return false
	}
	names := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		names[c.Name] = true
	}
	for _, c := range other.Columns {
		if !names[c.Name] {
			return false
		}
	}
	return true
}

// Equal reports whether two mappings are identical in column set and
// mapped types — used to decide whether a version bump is needed at all.
func (m SchemaMapping) Equal(other SchemaMapping) bool {
	if !m.SameColumnSet(other) {
		return false
	}
	types := make(map[string]TargetType, len(m.Columns))
	for _, c := range m.Columns {
		types[c.Name] = c.TargetType
	}
	for _, c := range other.Columns {
		if types[c.Name] != c.TargetType {
			return false
		}
	}
	return true
}

// Status is the lifecycle state of a table's SyncState.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// SyncState is the per-target-table durable record of sync progress.
type SyncState struct {
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	LastWatermark   string     `json:"lastWatermark,omitempty"`
	LastBatchCount  int        `json:"lastBatchCount"`
	TotalRows       int64      `json:"totalRows"`
	MappingVersion  int        `json:"mappingVersion"`
	Status          Status     `json:"status"`
	RunCount        int        `json:"runCount"`
}

// ProgressCheckpoint is the ephemeral per-run record written after every
// batch and cleared on successful Finalize.
type ProgressCheckpoint struct {
	RunID              string     `json:"runId"`
	TargetTable        string     `json:"targetTable"`
	RowsDone           int64      `json:"rowsDone"`
	RowsTotal          *int64     `json:"rowsTotal,omitempty"`
	LastBatchWatermark string     `json:"lastBatchWatermark,omitempty"`
	StartedAt          time.Time  `json:"startedAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// LockRecord is the content of the sync.lock file.
type LockRecord struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	PID        int       `json:"pid"`
}

// RunKind distinguishes the three sync entry points.
type RunKind string

const (
	RunTest        RunKind = "test"
	RunFull        RunKind = "full"
	RunIncremental RunKind = "incremental"
)

// Phase marks which step of the engine pipeline emitted a Progress event.
type Phase string

const (
	PhaseSchema   Phase = "schema"
	PhaseDDL      Phase = "ddl"
	PhaseCopy     Phase = "copy"
	PhaseFinalize Phase = "finalize"
)

// EventType discriminates SyncEvent's tagged-union payload.
type EventType string

const (
	EventStarted   EventType = "Started"
	EventProgress  EventType = "Progress"
	EventLog       EventType = "Log"
	EventPaused    EventType = "Paused"
	EventResumed   EventType = "Resumed"
	EventStopped   EventType = "Stopped"
	EventFailed    EventType = "Failed"
	EventCompleted EventType = "Completed"
)

// LogLevel mirrors the levels the worker/engine emit in Log events.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// SyncEvent is the wire format streamed from the worker to the caller. It
// is realized as a single struct with a Type discriminator — the idiom the
// example corpus uses for JSON wire messages — rather than an interface
// hierarchy, so json.Marshal/Unmarshal round-trip it without a custom
// codec.
type SyncEvent struct {
	Type  EventType `json:"type"`
	RunID string    `json:"runId"`
	Table string    `json:"table,omitempty"`

	// Started
	Kind RunKind `json:"kind,omitempty"`

	// Progress
	RowsDone   int64  `json:"rowsDone,omitempty"`
	RowsTotal  *int64 `json:"rowsTotal,omitempty"`
	EtaSeconds *int64 `json:"etaSeconds,omitempty"`
	Phase      Phase  `json:"phase,omitempty"`
	DroppedProgressEvents int64 `json:"droppedProgressEvents,omitempty"`

	// Log
	Level   LogLevel `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`

	// Stopped
	Reason string `json:"reason,omitempty"`

	// Failed
	ErrorKind string `json:"errorKind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// Completed
	RowsLoaded      int64   `json:"rowsLoaded,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}
