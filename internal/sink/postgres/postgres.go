// Package postgres implements the PostgreSQL destination adapter on
// pgx.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/sink"
)

// maxStatementParams bounds the flattened placeholder count of one
// multi-row insert; wide tables insert in smaller row chunks.
const maxStatementParams = 20000

type Adapter struct {
	log  *slog.Logger
	conn *pgx.Conn
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.DestPostgres }

func dsn(cfg models.AdapterConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(cfg.String("username")),
		url.QueryEscape(cfg.String("password")),
		cfg.String("host"),
		cfg.IntOr("port", internal.DefaultPostgresPort),
		cfg.String("database"))
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

var typeMapping = map[string]string{
	"smallint":          "SMALLINT",
	"integer":           "INTEGER",
	"int":               "INTEGER",
	"bigint":            "BIGINT",
	"serial":            "SERIAL",
	"real":              "REAL",
	"float":             "REAL",
	"double precision":  "DOUBLE PRECISION",
	"double":            "DOUBLE PRECISION",
	"numeric":           "NUMERIC",
	"decimal":           "NUMERIC",
	"boolean":           "BOOLEAN",
	"bool":              "BOOLEAN",
	"varchar":           "VARCHAR",
	"character varying": "VARCHAR",
	"text":              "TEXT",
	"char":              "CHAR",
	"character":         "CHAR",
	"timestamp":         "TIMESTAMP",
	"datetime":          "TIMESTAMP",
	"date":              "DATE",
	"time":              "TIME",
	"json":              "JSONB",
	"jsonb":             "JSONB",
	"uuid":              "UUID",
	"string":            "TEXT",
}

// MapTypes is total: unknown source types land on TEXT. Length
// parameters survive for character types.
func (a *Adapter) MapTypes(schema []models.Column, sourceKind string) []models.Column {
	mapped := make([]models.Column, len(schema))
	for i, col := range schema {
		full := strings.ToLower(strings.TrimSpace(col.Type))
		base := full
		params := ""
		if open := strings.Index(full, "("); open >= 0 {
			base = strings.TrimSpace(full[:open])
			if close := strings.LastIndex(full, ")"); close > open {
				params = full[open : close+1]
			}
		}
		pgType, ok := typeMapping[base]
		if !ok {
			pgType = "TEXT"
		}
		if params != "" && (pgType == "VARCHAR" || pgType == "CHAR" || pgType == "NUMERIC") {
			pgType += params
		}
		col.MappedType = pgType
		mapped[i] = col
	}
	return mapped
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *Adapter) TableExists(ctx context.Context, table, sourceKind string) (bool, error) {
	if a.conn == nil {
		return false, models.ErrNotConnected
	}
	var exists bool
	err := a.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return exists, nil
}

func (a *Adapter) CreateTable(ctx context.Context, table string, schema []models.Column, sourceKind string, cons *models.Constraints) error {
	if a.conn == nil {
		return models.ErrNotConnected
	}
	exists, err := a.TableExists(ctx, table, sourceKind)
	if err != nil {
		return err
	}
	if exists {
		a.log.Info("table already exists", slog.String("table", table))
		return nil
	}

	defs := make([]string, 0, len(schema)+1)
	for _, col := range schema {
		def := quoteIdent(col.Name) + " " + col.MappedType
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if cons != nil && len(cons.PrimaryKeys) > 0 {
		quoted := make([]string, len(cons.PrimaryKeys))
		for i, pk := range cons.PrimaryKeys {
			quoted[i] = quoteIdent(pk)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(table), strings.Join(defs, ", "))
	if _, err := a.conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	a.log.Info("created table", slog.String("table", table))
	return nil
}

func sanitizeColumn(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

func (a *Adapter) WriteData(ctx context.Context, table string, batch models.Batch, sourceKind string, primaryKeys []string) (int, error) {
	if a.conn == nil {
		return 0, models.ErrNotConnected
	}
	if len(batch) == 0 {
		return 0, nil
	}

	columns := make([]string, 0, len(batch[0]))
	for col := range batch[0] {
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		a.log.Warn("no columns found in data", slog.String("table", table))
		return 0, nil
	}
	sort.Strings(columns)

	sanitized := make([]string, len(columns))
	for i, col := range columns {
		sanitized[i] = sanitizeColumn(col)
	}

	chunkRows := maxStatementParams / len(columns)
	if chunkRows < 1 {
		chunkRows = 1
	}

	inserted := 0
	for start := 0; start < len(batch); start += chunkRows {
		end := start + chunkRows
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		insertSQL := buildInsert(table, sanitized, len(chunk), primaryKeys)
		args := make([]any, 0, len(chunk)*len(columns))
		for _, record := range chunk {
			for _, col := range columns {
				args = append(args, record[col])
			}
		}
		err := sink.RetryWrite(ctx, internal.SinkWriteRetries, internal.SinkWriteRetryDelay, func() error {
			_, err := a.conn.Exec(ctx, insertSQL, args...)
			return err
		})
		if err != nil {
			return inserted, fmt.Errorf("insert into %s: %w", table, err)
		}
		inserted += len(chunk)
	}
	a.log.Debug("inserted rows",
		slog.String("table", table), slog.Int("rows", inserted))
	return inserted, nil
}

// buildInsert renders a multi-row insert; primary keys turn it into an
// upsert so reruns converge instead of duplicating.
func buildInsert(table string, columns []string, rows int, primaryKeys []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}

	values := make([]string, rows)
	arg := 1
	for i := range values {
		placeholders := make([]string, len(columns))
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", arg)
			arg++
		}
		values[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}

	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(values, ", "))
	if len(primaryKeys) == 0 {
		return base
	}

	pkSet := make(map[string]bool, len(primaryKeys))
	pkQuoted := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		s := sanitizeColumn(pk)
		pkSet[s] = true
		pkQuoted[i] = quoteIdent(s)
	}
	var updates []string
	for _, col := range columns {
		if !pkSet[col] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}
	}
	conflict := " ON CONFLICT (" + strings.Join(pkQuoted, ", ") + ")"
	if len(updates) == 0 {
		return base + conflict + " DO NOTHING"
	}
	return base + conflict + " DO UPDATE SET " + strings.Join(updates, ", ")
}
