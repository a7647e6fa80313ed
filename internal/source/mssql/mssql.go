// Package mssql implements the SQL Server source adapter on
// database/sql with the go-mssqldb driver.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

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

func (a *Adapter) Kind() string { return internal.SourceSQLServer }

// connString builds a sqlserver URL. An empty username selects
// integrated security; named instances ride in the URL path.
func connString(cfg models.AdapterConfig) string {
	server := cfg.StringOr("server", cfg.StringOr("host", "localhost"))
	instance := ""
	if i := strings.Index(server, `\`); i >= 0 {
		instance = server[i+1:]
		server = server[:i]
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   server,
	}
	if port := cfg.Int("port"); port > 0 {
		u.Host = fmt.Sprintf("%s:%d", server, port)
	}
	if instance != "" {
		u.Path = instance
	}

	q := url.Values{}
	q.Set("connection timeout", "60")
	if instance != "" {
		q.Set("encrypt", "disable")
		q.Set("TrustServerCertificate", "true")
	}
	if db := cfg.String("database"); db != "" {
		q.Set("database", db)
	}

	user := cfg.String("username")
	pass := cfg.String("password")
	switch strings.ToLower(user) {
	case "", "windows", "trusted":
		// Integrated auth; no credentials in the URL.
	default:
		u.User = url.UserPassword(user, pass)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	db, err := sql.Open("sqlserver", connString(cfg))
	if err != nil {
		return fmt.Errorf("%w: sqlserver: %v", models.ErrConnectionFailed, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: sqlserver ping: %v", models.ErrConnectionFailed, err)
	}
	a.db = db
	a.log.Info("connected to sqlserver", slog.String("server", cfg.StringOr("server", cfg.String("host"))))
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
	db, err := sql.Open("sqlserver", connString(cfg))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ListTables enumerates base tables across every user database on the
// instance. Names come back as database.schema.table.
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	rows, err := a.db.QueryContext(ctx, "SELECT name FROM sys.databases WHERE database_id > 4")
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	var databases []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		databases = append(databases, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tables []string
	for _, db := range databases {
		query := fmt.Sprintf(`
			SELECT TABLE_SCHEMA, TABLE_NAME
			FROM %s.INFORMATION_SCHEMA.TABLES
			WHERE TABLE_TYPE = 'BASE TABLE'
			ORDER BY TABLE_SCHEMA, TABLE_NAME`, bracket(db))
		trows, err := a.db.QueryContext(ctx, query)
		if err != nil {
			a.log.Warn("error accessing database", slog.String("database", db), slog.Any("error", err))
			continue
		}
		for trows.Next() {
			var schema, table string
			if err := trows.Scan(&schema, &table); err != nil {
				trows.Close()
				return nil, err
			}
			tables = append(tables, fmt.Sprintf("%s.%s.%s", db, schema, table))
		}
		trows.Close()
		if err := trows.Err(); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// splitTableName resolves database.schema.table; a two-part name
// defaults the schema to dbo.
func splitTableName(table string) (db, schema, name string, err error) {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2], nil
	case 2:
		return parts[0], "dbo", parts[1], nil
	default:
		return "", "", "", fmt.Errorf("invalid table name format: %q", table)
	}
}

func bracket(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (a *Adapter) GetSchema(ctx context.Context, table string) ([]models.Column, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	db, schemaName, name, err := splitTableName(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			CHARACTER_MAXIMUM_LENGTH,
			NUMERIC_PRECISION,
			NUMERIC_SCALE,
			IS_NULLABLE,
			COLUMN_DEFAULT
		FROM %s.INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`, bracket(db))
	rows, err := a.db.QueryContext(ctx, query, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("get schema for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var (
			colName, dataType, nullable string
			maxLen, precision, scale    sql.NullInt64
			colDefault                  sql.NullString
		)
		if err := rows.Scan(&colName, &dataType, &maxLen, &precision, &scale, &nullable, &colDefault); err != nil {
			return nil, err
		}
		cols = append(cols, models.Column{
			Name:     colName,
			Type:     fullType(dataType, maxLen, precision, scale),
			Nullable: nullable == "YES",
			Default:  colDefault.String,
		})
	}
	return cols, rows.Err()
}

func fullType(dataType string, maxLen, precision, scale sql.NullInt64) string {
	switch {
	case maxLen.Valid:
		if maxLen.Int64 < 0 {
			return dataType + "(max)"
		}
		return fmt.Sprintf("%s(%d)", dataType, maxLen.Int64)
	case precision.Valid && scale.Valid:
		return fmt.Sprintf("%s(%d,%d)", dataType, precision.Int64, scale.Int64)
	case precision.Valid:
		return fmt.Sprintf("%s(%d)", dataType, precision.Int64)
	default:
		return dataType
	}
}

func qualified(table string) (string, error) {
	db, schemaName, name, err := splitTableName(table)
	if err != nil {
		return "", err
	}
	return bracket(db) + "." + bracket(schemaName) + "." + bracket(name), nil
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.RowIterator, error) {
	if a.db == nil {
		return nil, models.ErrNotConnected
	}
	target, err := qualified(table)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, "SELECT * FROM "+target)
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

	target, err := qualified(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > @p1", target, bracket(watermarkCol))
	rows, err := a.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("read incremental %s: %w", table, err)
	}
	return source.NewSQLRowIterator(rows, batchSize)
}
