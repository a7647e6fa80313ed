// Package source defines the contract every source adapter implements
// and the optional constraint discovery capability relational sources
// add on top.
package source

import (
	"context"
	"time"

	"github.com/driftworks/migration-service/internal/models"
)

// RowIterator streams a table in batches. Next returns
// models.ErrEndOfData once the table is exhausted. After any error the
// iterator must not be used again except to Close it.
type RowIterator interface {
	Next(ctx context.Context) (models.Batch, error)
	Close() error
}

// Source is a connected, single-tenant reader for one upstream system.
// Implementations are not safe for concurrent use; the engine drives
// each adapter from a single goroutine.
type Source interface {
	// Kind returns the registry identifier, e.g. "postgresql".
	Kind() string

	Connect(ctx context.Context, cfg models.AdapterConfig) error
	Disconnect() error

	// TestConnection probes the upstream with the given configuration
	// without mutating adapter state beyond a transient session. A nil
	// return means reachable; otherwise the error carries the reason.
	TestConnection(ctx context.Context, cfg models.AdapterConfig) error

	// ListTables enumerates migratable tables. Relational adapters
	// return schema-qualified names when the schema is not the default
	// one; SaaS adapters return their fixed or discovered entity set.
	ListTables(ctx context.Context) ([]string, error)

	GetSchema(ctx context.Context, table string) ([]models.Column, error)

	ReadData(ctx context.Context, table string, batchSize int) (RowIterator, error)

	// ReadIncremental reads rows changed since the watermark. Adapters
	// that cannot filter server-side fall back to a full read and log
	// the downgrade; they never silently return zero rows.
	ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (RowIterator, error)
}

// ConstraintReader is implemented by relational sources that can
// describe primary keys, referential constraints, and indexes. The
// engine only consults it when the sink can recreate them.
type ConstraintReader interface {
	PrimaryKeyColumns(ctx context.Context, table string) ([]string, error)
	ForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error)
	UniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error)
	Indexes(ctx context.Context, table string) ([]models.Index, error)
}
