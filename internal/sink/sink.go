// Package sink defines the contract every destination adapter
// implements and the optional constraint recreation capability
// relational sinks add on top.
package sink

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/driftworks/migration-service/internal/models"
)

// Sink is a connected, single-tenant writer for one downstream system.
// Implementations are not safe for concurrent use; the engine drives
// each adapter from a single goroutine.
type Sink interface {
	// Kind returns the registry identifier, e.g. "clickhouse".
	Kind() string

	Connect(ctx context.Context, cfg models.AdapterConfig) error
	Disconnect() error

	// TestConnection probes the downstream with the given configuration.
	// A nil return means reachable; otherwise the error carries the
	// reason.
	TestConnection(ctx context.Context, cfg models.AdapterConfig) error

	// MapTypes translates a source schema into sink-native column
	// types, filling Column.MappedType. It is total: unknown source
	// types map to the sink's widest text type, never an error.
	MapTypes(schema []models.Column, sourceKind string) []models.Column

	TableExists(ctx context.Context, table, sourceKind string) (bool, error)

	// CreateTable creates the target table if it does not exist.
	// Constraints may be nil; relational sinks use the primary keys
	// at creation time and recreate the rest after the load.
	CreateTable(ctx context.Context, table string, schema []models.Column, sourceKind string, cons *models.Constraints) error

	// WriteData writes one batch and returns the number of records
	// accepted. primaryKeys enables upsert semantics on sinks that
	// support it and may be nil.
	WriteData(ctx context.Context, table string, batch models.Batch, sourceKind string, primaryKeys []string) (int, error)
}

// RetryWrite runs one batch write, retrying transient failures with a
// fixed delay. Adapters wrap their statement execution in it so a
// flaky destination does not fail the whole table on the first hiccup.
func RetryWrite(ctx context.Context, attempts uint, delay time.Duration, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// ConstraintWriter is implemented by relational sinks that can
// recreate indexes and constraints after the data load. All methods
// are best effort; failures are logged by the engine and never fail
// the table.
type ConstraintWriter interface {
	CreateIndexes(ctx context.Context, table string, indexes []models.Index) error
	CreateUniqueConstraints(ctx context.Context, table string, uniques []models.UniqueConstraint) error
	CreateForeignKeys(ctx context.Context, table string, fks []models.ForeignKey) error
}
