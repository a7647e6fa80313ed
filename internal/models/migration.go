package models

import (
	"time"

	"github.com/spf13/cast"
)

// Operation selects between a full snapshot and a watermark-based delta.
type Operation string

const (
	OperationFull        Operation = "full"
	OperationIncremental Operation = "incremental"
)

func (o Operation) Valid() bool {
	return o == OperationFull || o == OperationIncremental
}

// Record is a single row keyed by source column name.
type Record map[string]any

// Batch is an ordered slice of records read or written together.
type Batch []Record

// Column describes one column of a table schema as reported by a source
// adapter. Type carries the source-native type including length and
// precision qualifiers, e.g. "varchar(255)" or "numeric(10,2)".
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`

	// MappedType is filled by a sink adapter's MapTypes and holds the
	// sink-native column type.
	MappedType string `json:"mapped_type,omitempty"`
}

// ForeignKey describes a referential constraint on a source table.
type ForeignKey struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
	OnDelete          string   `json:"on_delete,omitempty"`
	OnUpdate          string   `json:"on_update,omitempty"`
}

// UniqueConstraint describes a named unique constraint.
type UniqueConstraint struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Index describes a secondary index (never the primary key).
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Method  string   `json:"method,omitempty"`
}

// Constraints bundles everything a relational sink may recreate after
// loading data.
type Constraints struct {
	PrimaryKeys       []string           `json:"primary_keys,omitempty"`
	ForeignKeys       []ForeignKey       `json:"foreign_keys,omitempty"`
	UniqueConstraints []UniqueConstraint `json:"unique_constraints,omitempty"`
	Indexes           []Index            `json:"indexes,omitempty"`
}

// AdapterConfig is the free-form connection configuration supplied per
// request. Adapters pull typed values out of it.
type AdapterConfig map[string]any

func (c AdapterConfig) String(key string) string {
	return cast.ToString(c[key])
}

func (c AdapterConfig) StringOr(key, def string) string {
	s := cast.ToString(c[key])
	if s == "" {
		return def
	}
	return s
}

func (c AdapterConfig) Int(key string) int {
	return cast.ToInt(c[key])
}

func (c AdapterConfig) IntOr(key string, def int) int {
	if _, ok := c[key]; !ok {
		return def
	}
	return cast.ToInt(c[key])
}

func (c AdapterConfig) Bool(key string) bool {
	return cast.ToBool(c[key])
}

// MigrationRequest is the validated body of POST /migrate.
type MigrationRequest struct {
	SourceKind   string        `json:"source_type"`
	DestKind     string        `json:"dest_type"`
	SourceConfig AdapterConfig `json:"source"`
	DestConfig   AdapterConfig `json:"destination"`
	Operation    Operation     `json:"operation_type"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
}

// TableResult records one successfully migrated table.
type TableResult struct {
	Table   string `json:"table"`
	Records int    `json:"records"`
}

// TableFailure records one table that exhausted its retry budget.
type TableFailure struct {
	Table     string `json:"table"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// RunResult is the outcome of a whole migration run. Success is true
// exactly when TablesFailed is empty.
type RunResult struct {
	Success        bool           `json:"success"`
	TotalTables    int            `json:"total_tables"`
	TablesMigrated []TableResult  `json:"tables_migrated"`
	TablesFailed   []TableFailure `json:"tables_failed"`
	Errors         []string       `json:"errors"`
}

func NewRunResult() *RunResult {
	return &RunResult{
		Success:        true,
		TablesMigrated: []TableResult{},
		TablesFailed:   []TableFailure{},
		Errors:         []string{},
	}
}

// Finalize settles the success flag from the failure list.
func (r *RunResult) Finalize() {
	r.Success = len(r.TablesFailed) == 0
}
