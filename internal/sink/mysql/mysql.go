// Package mysql implements the MySQL destination adapter, including
// schema translation from relational sources and post-load constraint
// recreation.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/sink"
)

type Adapter struct {
	log      *slog.Logger
	db       *sql.DB
	database string
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.DestMySQL }

func dsn(cfg models.AdapterConfig, database string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.String("username")
	mc.Passwd = cfg.String("password")
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.String("host"), cfg.IntOr("port", internal.DefaultMySQLPort))
	mc.DBName = database
	mc.ParseTime = true
	mc.MultiStatements = false
	mc.Timeout = internal.DefaultConnectTimeout
	return mc.FormatDSN()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Connect creates the target database when missing before opening the
// working connection against it.
func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	database := cfg.String("database")

	admin, err := sql.Open("mysql", dsn(cfg, ""))
	if err != nil {
		return fmt.Errorf("%w: mysql: %v", models.ErrConnectionFailed, err)
	}
	_, err = admin.ExecContext(ctx,
		"CREATE DATABASE IF NOT EXISTS "+quoteIdent(database)+" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci")
	_ = admin.Close()
	if err != nil {
		return fmt.Errorf("%w: create database %s: %v", models.ErrConnectionFailed, database, err)
	}

	db, err := sql.Open("mysql", dsn(cfg, database))
	if err != nil {
		return fmt.Errorf("%w: mysql: %v", models.ErrConnectionFailed, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: mysql ping: %v", models.ErrConnectionFailed, err)
	}
	a.db = db
	a.database = database
	a.log.Info("connected to mysql",
		slog.String("host", cfg.String("host")),
		slog.String("database", database))
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) TestConnection(ctx context.Context, cfg models.AdapterConfig) error {
	db, err := sql.Open("mysql", dsn(cfg, cfg.String("database")))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// MapTypes is total: unknown source types land on TEXT.
func (a *Adapter) MapTypes(schema []models.Column, sourceKind string) []models.Column {
	mapped := make([]models.Column, len(schema))
	for i, col := range schema {
		col.MappedType = convertType(col.Type)
		mapped[i] = col
	}
	return mapped
}

func (a *Adapter) TableExists(ctx context.Context, table, sourceKind string) (bool, error) {
	if a.db == nil {
		return false, models.ErrNotConnected
	}
	var count int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`, a.database, table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return count > 0, nil
}

func (a *Adapter) CreateTable(ctx context.Context, table string, schema []models.Column, sourceKind string, cons *models.Constraints) error {
	if a.db == nil {
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
		if col.Default != "" && !strings.Contains(col.MappedType, "AUTO_INCREMENT") {
			if converted := convertDefault(col.Default); converted != "" {
				def += defaultClause(converted)
			}
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
	if len(defs) == 0 {
		a.log.Warn("no columns for table, skipping", slog.String("table", table))
		return nil
	}

	createSQL := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
		quoteIdent(table), strings.Join(defs, ",\n  "))
	if _, err := a.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	a.log.Info("created table", slog.String("table", table))
	return nil
}

func (a *Adapter) CreateIndexes(ctx context.Context, table string, indexes []models.Index) error {
	if a.db == nil {
		return models.ErrNotConnected
	}
	for _, index := range indexes {
		name := constraintName(index.Name)
		cols := make([]string, len(index.Columns))
		for i, c := range index.Columns {
			cols[i] = quoteIdent(c)
		}
		createSQL := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quoteIdent(name), quoteIdent(table), strings.Join(cols, ", "))
		if _, err := a.db.ExecContext(ctx, createSQL); err != nil {
			if strings.Contains(err.Error(), "Duplicate key name") || strings.Contains(err.Error(), "1061") {
				a.log.Warn("index already exists, skipping", slog.String("index", name))
				continue
			}
			a.log.Warn("could not create index",
				slog.String("index", name), slog.Any("error", err))
			continue
		}
		a.log.Info("created index",
			slog.String("index", name), slog.String("table", table))
	}
	return nil
}

func (a *Adapter) CreateUniqueConstraints(ctx context.Context, table string, uniques []models.UniqueConstraint) error {
	if a.db == nil {
		return models.ErrNotConnected
	}
	for _, uc := range uniques {
		name := constraintName(uc.Name)
		cols := make([]string, len(uc.Columns))
		for i, c := range uc.Columns {
			cols[i] = quoteIdent(c)
		}
		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			quoteIdent(table), quoteIdent(name), strings.Join(cols, ", "))
		if _, err := a.db.ExecContext(ctx, alterSQL); err != nil {
			if strings.Contains(err.Error(), "Duplicate entry") || strings.Contains(err.Error(), "1062") {
				a.log.Warn("unique constraint conflicts with data, skipping",
					slog.String("constraint", name))
				continue
			}
			a.log.Warn("could not create unique constraint",
				slog.String("constraint", name), slog.Any("error", err))
			continue
		}
		a.log.Info("created unique constraint",
			slog.String("constraint", name), slog.String("table", table))
	}
	return nil
}

// referentialRule maps the source action onto MySQL, which has no
// deferred NO ACTION.
func referentialRule(rule string) string {
	if rule == "" || rule == "NO ACTION" {
		return "RESTRICT"
	}
	return rule
}

func (a *Adapter) CreateForeignKeys(ctx context.Context, table string, fks []models.ForeignKey) error {
	if a.db == nil {
		return models.ErrNotConnected
	}
	for _, fk := range fks {
		name := constraintName(fk.Name)
		cols := make([]string, len(fk.Columns))
		for i, c := range fk.Columns {
			cols[i] = quoteIdent(c)
		}
		refCols := make([]string, len(fk.ReferencedColumns))
		for i, c := range fk.ReferencedColumns {
			refCols[i] = quoteIdent(c)
		}
		// Referenced tables lose any schema prefix; MySQL tables all
		// live in the target database.
		refTable := fk.ReferencedTable
		if i := strings.LastIndex(refTable, "."); i >= 0 {
			refTable = refTable[i+1:]
		}

		alterSQL := fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON UPDATE %s ON DELETE %s",
			quoteIdent(table), quoteIdent(name),
			strings.Join(cols, ", "),
			quoteIdent(refTable), strings.Join(refCols, ", "),
			referentialRule(fk.OnUpdate), referentialRule(fk.OnDelete))
		if _, err := a.db.ExecContext(ctx, alterSQL); err != nil {
			if strings.Contains(err.Error(), "Duplicate key name") || strings.Contains(err.Error(), "1022") {
				a.log.Warn("foreign key already exists, skipping", slog.String("constraint", name))
				continue
			}
			a.log.Warn("could not create foreign key",
				slog.String("constraint", name), slog.Any("error", err))
			continue
		}
		a.log.Info("created foreign key",
			slog.String("constraint", name), slog.String("table", table))
	}
	return nil
}

// sanitizeColumn keeps identifiers to alphanumerics and underscores.
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

// convertValue prepares a record value for the MySQL driver.
// Structured values are stored as JSON text.
func convertValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any, []any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode json value: %w", err)
		}
		return string(encoded), nil
	case time.Time:
		return val, nil
	default:
		return val, nil
	}
}

func (a *Adapter) WriteData(ctx context.Context, table string, batch models.Batch, sourceKind string, primaryKeys []string) (int, error) {
	if a.db == nil {
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

	insertSQL := a.buildInsert(table, sanitized, len(batch), primaryKeys)

	args := make([]any, 0, len(batch)*len(columns))
	for _, record := range batch {
		for _, col := range columns {
			value, err := convertValue(record[col])
			if err != nil {
				return 0, fmt.Errorf("convert value for %s.%s: %w", table, col, err)
			}
			args = append(args, value)
		}
	}

	err := sink.RetryWrite(ctx, internal.SinkWriteRetries, internal.SinkWriteRetryDelay, func() error {
		_, err := a.db.ExecContext(ctx, insertSQL, args...)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	a.log.Debug("inserted rows",
		slog.String("table", table), slog.Int("rows", len(batch)))
	return len(batch), nil
}

// buildInsert renders a multi-row insert. Primary keys switch the
// statement to an upsert; when every column is part of the key,
// INSERT IGNORE keeps reloads idempotent.
func (a *Adapter) buildInsert(table string, columns []string, rows int, primaryKeys []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	placeholders := make([]string, rows)
	for i := range placeholders {
		placeholders[i] = rowPlaceholder
	}
	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if len(primaryKeys) == 0 {
		return base
	}

	pkSet := make(map[string]bool, len(primaryKeys))
	for _, pk := range primaryKeys {
		pkSet[sanitizeColumn(pk)] = true
	}
	var updates []string
	for _, col := range columns {
		if !pkSet[col] {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(col), quoteIdent(col)))
		}
	}
	if len(updates) == 0 {
		return strings.Replace(base, "INSERT INTO", "INSERT IGNORE INTO", 1)
	}
	return base + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}
