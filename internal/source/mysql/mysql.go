// Package mysql implements the MySQL source adapter on database/sql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/source"
)

type Adapter struct {
	log *slog.Logger
	db  *sql.DB
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.SourceMySQL }

func dsn(cfg models.AdapterConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.String("username")
	mc.Passwd = cfg.String("password")
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.String("host"), cfg.IntOr("port", internal.DefaultMySQLPort))
	mc.DBName = cfg.String("database")
	mc.ParseTime = true
	mc.Timeout = internal.DefaultConnectTimeout
	return mc.FormatDSN()
}

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return fmt.Errorf("%w: mysql: %v", models.ErrConnectionFailed, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: mysql ping: %v", models.ErrConnectionFailed, err)
	}
	a.db = db
	a.log.Info("connected to mysql",
		slog.String("host", cfg.String("host")),
		slog.String("database", cfg.String("database")))
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
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (a *Adapter) GetSchema(ctx context.Context, table string) ([]models.Column, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = DATABASE()
		AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("get schema for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var (
			name, colType, nullable string
			colDefault              sql.NullString
		)
		if err := rows.Scan(&name, &colType, &nullable, &colDefault); err != nil {
			return nil, err
		}
		cols = append(cols, models.Column{
			Name:     name,
			Type:     colType,
			Nullable: nullable == "YES",
			Default:  colDefault.String,
		})
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.RowIterator, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return source.NewSQLRowIterator(rows, batchSize)
}

func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.RowIterator, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	schema, err := a.GetSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	var watermarkCol string
	for _, c := range schema {
		t := strings.ToLower(c.Type)
		if strings.Contains(t, "time") || strings.Contains(t, "date") {
			watermarkCol = c.Name
			break
		}
	}
	if watermarkCol == "" {
		a.log.Warn("no watermark column found, falling back to full read",
			slog.String("table", table))
		return a.ReadData(ctx, table, batchSize)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > ?", quoteIdent(table), quoteIdent(watermarkCol))
	rows, err := a.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("read incremental %s: %w", table, err)
	}
	return source.NewSQLRowIterator(rows, batchSize)
}
