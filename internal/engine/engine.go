// Package engine orchestrates a migration run from any registered
// source to any registered destination.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/observability"
	"github.com/driftworks/migration-service/internal/registry"
	"github.com/driftworks/migration-service/internal/sink"
	"github.com/driftworks/migration-service/internal/source"
)

type Config struct {
	TableMaxAttempts uint
	TableRetryDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TableMaxAttempts: internal.TableMaxAttempts,
		TableRetryDelay:  internal.TableRetryDelay,
	}
}

type Engine struct {
	reg *registry.Registry
	cfg Config
	log *slog.Logger
}

func New(reg *registry.Registry, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		reg: reg,
		cfg: cfg,
		log: log,
	}
}

// Migrate executes one migration run. The returned error is non-nil
// only for request validation failures; every runtime failure is
// captured inside the RunResult instead.
func (e *Engine) Migrate(ctx context.Context, req models.MigrationRequest) (*models.RunResult, error) {
	if req.SourceKind == req.DestKind {
		return nil, fmt.Errorf("%w: cannot migrate from %s to %s", models.ErrSameSourceAndDestination, req.SourceKind, req.DestKind)
	}
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: got %q", models.ErrInvalidOperation, req.Operation)
	}
	if req.Operation == models.OperationIncremental && req.LastSyncTime == nil {
		return nil, models.ErrMissingLastSync
	}

	src, err := e.reg.NewSource(req.SourceKind)
	if err != nil {
		return nil, err
	}
	snk, err := e.reg.NewSink(req.DestKind)
	if err != nil {
		return nil, err
	}

	log := e.log.With(
		slog.String("run_id", uuid.NewString()),
		slog.String("source", req.SourceKind),
		slog.String("destination", req.DestKind),
		slog.String("operation", string(req.Operation)),
	)

	res := models.NewRunResult()
	mem := observability.NewMemTracker()
	runStart := time.Now()

	log.Info("connecting to source")
	if err := src.Connect(ctx, req.SourceConfig); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("ConnectionError: failed to connect to source %s: %v", req.SourceKind, err))
		return res, nil
	}
	defer func() {
		if err := src.Disconnect(); err != nil {
			log.Warn("source disconnect failed", slog.Any("error", err))
		}
	}()

	log.Info("connecting to destination")
	if err := snk.Connect(ctx, req.DestConfig); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("ConnectionError: failed to connect to destination %s: %v", req.DestKind, err))
		return res, nil
	}
	defer func() {
		if err := snk.Disconnect(); err != nil {
			log.Warn("destination disconnect failed", slog.Any("error", err))
		}
	}()

	tables, err := src.ListTables(ctx)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("%s: listing tables failed: %v", models.ErrorType(err), err))
		return res, nil
	}
	res.TotalTables = len(tables)
	log.Info("tables discovered", slog.Int("count", len(tables)))

	if len(tables) == 0 {
		log.Warn("no tables found in source")
		res.Errors = append(res.Errors, "No tables/modules found in source")
		return res, nil
	}

	batchSize := batchSizeFor(req.SourceKind)

	for _, table := range tables {
		tlog := log.With(slog.String("table", table))
		attempt := 0

		err := retry.Do(
			func() error {
				attempt++
				if attempt > 1 {
					tlog.Info("retrying table migration",
						slog.Int("attempt", attempt),
						slog.Uint64("max_attempts", uint64(e.cfg.TableMaxAttempts)))
				}
				records, err := e.migrateTable(ctx, tlog, src, snk, table, req, batchSize)
				if err != nil {
					tlog.Error("table migration attempt failed",
						slog.Int("attempt", attempt),
						slog.Any("error", err))
					return err
				}
				res.TablesMigrated = append(res.TablesMigrated, models.TableResult{
					Table:   table,
					Records: records,
				})
				return nil
			},
			retry.Attempts(e.cfg.TableMaxAttempts),
			retry.Delay(e.cfg.TableRetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			res.TablesFailed = append(res.TablesFailed, models.TableFailure{
				Table:     table,
				Error:     err.Error(),
				ErrorType: models.ErrorType(err),
			})
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", table, err))
		}
	}

	res.Finalize()
	log.Info("migration run completed",
		slog.Bool("success", res.Success),
		slog.Int("migrated", len(res.TablesMigrated)),
		slog.Int("failed", len(res.TablesFailed)),
		slog.Duration("elapsed", time.Since(runStart)),
		slog.Float64("memory_mb", mem.CurrentMB()),
		slog.Float64("memory_delta_mb", mem.DeltaMB()),
	)
	return res, nil
}

func (e *Engine) migrateTable(ctx context.Context, log *slog.Logger, src source.Source, snk sink.Sink, table string, req models.MigrationRequest, batchSize int) (int, error) {
	tableStart := time.Now()

	schema, err := src.GetSchema(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("get schema: %w", err)
	}
	log.Debug("schema retrieved", slog.Int("columns", len(schema)))

	cons := e.fetchConstraints(ctx, log, src, snk, table)

	destSchema := snk.MapTypes(schema, req.SourceKind)

	if err := snk.CreateTable(ctx, table, destSchema, req.SourceKind, cons); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}

	var iter source.RowIterator
	switch req.Operation {
	case models.OperationFull:
		iter, err = src.ReadData(ctx, table, batchSize)
	case models.OperationIncremental:
		iter, err = src.ReadIncremental(ctx, table, *req.LastSyncTime, batchSize)
	default:
		return 0, fmt.Errorf("%w: got %q", models.ErrInvalidOperation, req.Operation)
	}
	if err != nil {
		return 0, fmt.Errorf("open reader: %w", err)
	}
	defer iter.Close()

	var primaryKeys []string
	if cons != nil {
		primaryKeys = cons.PrimaryKeys
	}

	records := 0
	batches := 0
	dataStart := time.Now()
	for {
		batch, err := iter.Next(ctx)
		if models.IsEndOfDataErr(err) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("read batch %d: %w", batches+1, err)
		}
		batches++
		if len(batch) == 0 {
			log.Warn("empty batch received, skipping", slog.Int("batch", batches))
			continue
		}

		n, err := snk.WriteData(ctx, table, batch, req.SourceKind, primaryKeys)
		if err != nil {
			return records, fmt.Errorf("write batch %d: %w", batches, err)
		}
		records += n
		if batches%10 == 0 {
			log.Debug("progress",
				slog.Int("records", records),
				slog.Int("batches", batches))
		}
	}

	e.createConstraints(ctx, log, snk, table, cons)

	elapsed := time.Since(tableStart)
	log.Info("table migrated",
		slog.Int("records", records),
		slog.Int("batches", batches),
		slog.Duration("elapsed", elapsed),
		slog.Duration("data_elapsed", time.Since(dataStart)),
	)
	return records, nil
}

// fetchConstraints gathers relational constraints when both ends can
// use them. Each lookup is best effort.
func (e *Engine) fetchConstraints(ctx context.Context, log *slog.Logger, src source.Source, snk sink.Sink, table string) *models.Constraints {
	cr, ok := src.(source.ConstraintReader)
	if !ok {
		return nil
	}
	if _, ok := snk.(sink.ConstraintWriter); !ok {
		return nil
	}

	cons := &models.Constraints{}

	pks, err := cr.PrimaryKeyColumns(ctx, table)
	if err != nil {
		log.Warn("could not get primary keys", slog.Any("error", err))
	} else {
		cons.PrimaryKeys = pks
	}

	fks, err := cr.ForeignKeys(ctx, table)
	if err != nil {
		log.Warn("could not get foreign keys", slog.Any("error", err))
	} else {
		cons.ForeignKeys = fks
	}

	uniques, err := cr.UniqueConstraints(ctx, table)
	if err != nil {
		log.Warn("could not get unique constraints", slog.Any("error", err))
	} else {
		cons.UniqueConstraints = uniques
	}

	idxs, err := cr.Indexes(ctx, table)
	if err != nil {
		log.Warn("could not get indexes", slog.Any("error", err))
	} else {
		cons.Indexes = idxs
	}

	return cons
}

// createConstraints recreates indexes and constraints after the load.
// Failures are logged and never fail the table.
func (e *Engine) createConstraints(ctx context.Context, log *slog.Logger, snk sink.Sink, table string, cons *models.Constraints) {
	if cons == nil {
		return
	}
	cw, ok := snk.(sink.ConstraintWriter)
	if !ok {
		return
	}

	if len(cons.Indexes) > 0 {
		if err := cw.CreateIndexes(ctx, table, cons.Indexes); err != nil {
			log.Warn("could not create indexes", slog.Any("error", err))
		}
	}
	if len(cons.UniqueConstraints) > 0 {
		if err := cw.CreateUniqueConstraints(ctx, table, cons.UniqueConstraints); err != nil {
			log.Warn("could not create unique constraints", slog.Any("error", err))
		}
	}
	if len(cons.ForeignKeys) > 0 {
		if err := cw.CreateForeignKeys(ctx, table, cons.ForeignKeys); err != nil {
			log.Warn("could not create foreign keys", slog.Any("error", err))
		}
	}
}

func batchSizeFor(sourceKind string) int {
	switch sourceKind {
	case internal.SourceDevOps:
		return internal.BatchSizeDevOps
	case internal.SourceZoho:
		return internal.BatchSizeZoho
	default:
		return internal.BatchSizeDatabase
	}
}
