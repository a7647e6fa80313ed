// Package postgres implements the PostgreSQL source adapter on pgx.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/source"
)

type Adapter struct {
	log  *slog.Logger
	conn *pgx.Conn
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.SourcePostgres }

func dsn(cfg models.AdapterConfig) string {
	host := cfg.String("host")
	port := cfg.IntOr("port", internal.DefaultPostgresPort)
	db := cfg.String("database")
	user := url.QueryEscape(cfg.String("username"))
	pass := url.QueryEscape(cfg.String("password"))
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, pass, host, port, db)
}

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	conn, err := pgx.Connect(ctx, dsn(cfg))
	if err != nil {
		return fmt.Errorf("%w: postgresql: %v", models.ErrConnectionFailed, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("%w: postgresql ping: %v", models.ErrConnectionFailed, err)
	}
	a.conn = conn
	a.log.Info("connected to postgresql",
		slog.String("host", cfg.String("host")),
		slog.String("database", cfg.String("database")))
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close(context.Background())
	a.conn = nil
	return err
}

func (a *Adapter) TestConnection(ctx context.Context, cfg models.AdapterConfig) error {
	conn, err := pgx.Connect(ctx, dsn(cfg))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.conn.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		AND table_schema NOT IN ('information_schema', 'pg_catalog', 'pg_toast')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if schema == "public" {
			tables = append(tables, table)
		} else {
			tables = append(tables, schema+"."+table)
		}
	}
	return tables, rows.Err()
}

// splitTableName resolves an optionally schema-qualified name into its
// schema and bare table parts. Unqualified names live in public.
func splitTableName(table string) (schema, name string) {
	if i := strings.Index(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "public", table
}

func (a *Adapter) GetSchema(ctx context.Context, table string) ([]models.Column, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schemaName, name := splitTableName(table)
	rows, err := a.conn.Query(ctx, `
		SELECT
			column_name,
			data_type,
			character_maximum_length,
			numeric_precision,
			numeric_scale,
			is_nullable,
			column_default
		FROM information_schema.columns
		WHERE table_schema = $1
		AND table_name = $2
		ORDER BY ordinal_position`, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("get schema for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var (
			colName, dataType, isNullable string
			maxLen, precision, scale      *int
			colDefault                    *string
		)
		if err := rows.Scan(&colName, &dataType, &maxLen, &precision, &scale, &isNullable, &colDefault); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		col := models.Column{
			Name:     colName,
			Type:     fullType(dataType, maxLen, precision, scale),
			Nullable: isNullable == "YES",
		}
		if colDefault != nil {
			col.Default = *colDefault
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// fullType rebuilds the complete type expression so sinks can map
// length and precision, e.g. "character varying(255)".
func fullType(dataType string, maxLen, precision, scale *int) string {
	switch {
	case maxLen != nil:
		return fmt.Sprintf("%s(%d)", dataType, *maxLen)
	case precision != nil && scale != nil:
		return fmt.Sprintf("%s(%d,%d)", dataType, *precision, *scale)
	case precision != nil:
		return fmt.Sprintf("%s(%d)", dataType, *precision)
	default:
		return dataType
	}
}

func quoteIdent(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.RowIterator, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.conn.Query(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return newRowIterator(rows, batchSize), nil
}

func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.RowIterator, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schema, err := a.GetSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	watermarkCol := a.watermarkColumn(ctx, table, schema)
	if watermarkCol == "" {
		a.log.Warn("no watermark column found, falling back to full read",
			slog.String("table", table))
		return a.ReadData(ctx, table, batchSize)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1",
		quoteIdent(table), quoteIdent(watermarkCol))
	rows, err := a.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("read incremental %s: %w", table, err)
	}
	return newRowIterator(rows, batchSize), nil
}

// watermarkColumn picks the incremental filter column: a temporal
// primary-key column wins, then the first temporal column.
func (a *Adapter) watermarkColumn(ctx context.Context, table string, schema []models.Column) string {
	temporal := func(c models.Column) bool {
		t := strings.ToLower(c.Type)
		return strings.Contains(t, "time") || strings.Contains(t, "date")
	}

	if pks, err := a.PrimaryKeyColumns(ctx, table); err == nil {
		for _, pk := range pks {
			for _, c := range schema {
				if c.Name == pk && temporal(c) {
					return c.Name
				}
			}
		}
	}
	for _, c := range schema {
		if temporal(c) {
			return c.Name
		}
	}
	return ""
}

func (a *Adapter) PrimaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schemaName, name := splitTableName(table)
	rows, err := a.conn.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE c.relname = $1
		AND n.nspname = $2
		AND i.indisprimary`, name, schemaName)
	if err != nil {
		return nil, fmt.Errorf("get primary keys for %s: %w", table, err)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		pks = append(pks, col)
	}
	return pks, rows.Err()
}

func (a *Adapter) ForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schemaName, name := splitTableName(table)
	rows, err := a.conn.Query(ctx, `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name,
			COALESCE(rc.update_rule, ''),
			COALESCE(rc.delete_rule, '')
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		LEFT JOIN information_schema.referential_constraints AS rc
			ON tc.constraint_name = rc.constraint_name
			AND tc.table_schema = rc.constraint_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		AND tc.table_name = $1
		AND tc.table_schema = $2`, name, schemaName)
	if err != nil {
		return nil, fmt.Errorf("get foreign keys for %s: %w", table, err)
	}
	defer rows.Close()

	byName := map[string]*models.ForeignKey{}
	var order []string
	for rows.Next() {
		var fkName, col, refTable, refCol, updateRule, deleteRule string
		if err := rows.Scan(&fkName, &col, &refTable, &refCol, &updateRule, &deleteRule); err != nil {
			return nil, err
		}
		fk, ok := byName[fkName]
		if !ok {
			fk = &models.ForeignKey{
				Name:            fkName,
				ReferencedTable: refTable,
				OnUpdate:        updateRule,
				OnDelete:        deleteRule,
			}
			byName[fkName] = fk
			order = append(order, fkName)
		}
		fk.Columns = append(fk.Columns, col)
		fk.ReferencedColumns = append(fk.ReferencedColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]models.ForeignKey, 0, len(order))
	for _, fkName := range order {
		fks = append(fks, *byName[fkName])
	}
	return fks, nil
}

func (a *Adapter) UniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schemaName, name := splitTableName(table)
	rows, err := a.conn.Query(ctx, `
		SELECT
			tc.constraint_name,
			kcu.column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'UNIQUE'
		AND tc.table_name = $1
		AND tc.table_schema = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position`, name, schemaName)
	if err != nil {
		return nil, fmt.Errorf("get unique constraints for %s: %w", table, err)
	}
	defer rows.Close()

	byName := map[string]*models.UniqueConstraint{}
	var order []string
	for rows.Next() {
		var ucName, col string
		if err := rows.Scan(&ucName, &col); err != nil {
			return nil, err
		}
		uc, ok := byName[ucName]
		if !ok {
			uc = &models.UniqueConstraint{Name: ucName}
			byName[ucName] = uc
			order = append(order, ucName)
		}
		uc.Columns = append(uc.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	uniques := make([]models.UniqueConstraint, 0, len(order))
	for _, ucName := range order {
		uniques = append(uniques, *byName[ucName])
	}
	return uniques, nil
}

func (a *Adapter) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	if a.conn == nil {
		return nil, models.ErrNotConnected
	}
	schemaName, name := splitTableName(table)
	rows, err := a.conn.Query(ctx, `
		SELECT
			i.relname AS index_name,
			a.attname AS column_name,
			am.amname AS index_type
		FROM pg_class t
		JOIN pg_namespace n ON t.relnamespace = n.oid
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON i.relam = am.oid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relkind = 'r'
		AND t.relname = $1
		AND n.nspname = $2
		AND NOT ix.indisprimary
		ORDER BY i.relname, array_position(ix.indkey, a.attnum)`, name, schemaName)
	if err != nil {
		return nil, fmt.Errorf("get indexes for %s: %w", table, err)
	}
	defer rows.Close()

	byName := map[string]*models.Index{}
	var order []string
	for rows.Next() {
		var idxName, col, method string
		if err := rows.Scan(&idxName, &col, &method); err != nil {
			return nil, err
		}
		idx, ok := byName[idxName]
		if !ok {
			idx = &models.Index{Name: idxName, Method: method}
			byName[idxName] = idx
			order = append(order, idxName)
		}
		idx.Columns = append(idx.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idxs := make([]models.Index, 0, len(order))
	for _, idxName := range order {
		idxs = append(idxs, *byName[idxName])
	}
	return idxs, nil
}

type rowIterator struct {
	rows      pgx.Rows
	fields    []string
	batchSize int
	done      bool
}

func newRowIterator(rows pgx.Rows, batchSize int) *rowIterator {
	fds := rows.FieldDescriptions()
	fields := make([]string, len(fds))
	for i, fd := range fds {
		fields[i] = fd.Name
	}
	return &rowIterator{
		rows:      rows,
		fields:    fields,
		batchSize: batchSize,
	}
}

func (it *rowIterator) Next(_ context.Context) (models.Batch, error) {
	if it.done {
		return nil, models.ErrEndOfData
	}

	batch := make(models.Batch, 0, it.batchSize)
	for len(batch) < it.batchSize {
		if !it.rows.Next() {
			it.done = true
			if err := it.rows.Err(); err != nil {
				return nil, fmt.Errorf("row iteration: %w", err)
			}
			break
		}
		values, err := it.rows.Values()
		if err != nil {
			it.done = true
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rec := make(models.Record, len(it.fields))
		for i, name := range it.fields {
			rec[name] = normalizeValue(values[i])
		}
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return nil, models.ErrEndOfData
	}
	return batch, nil
}

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

// normalizeValue converts driver-specific representations into
// portable values sinks know how to coerce.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}
