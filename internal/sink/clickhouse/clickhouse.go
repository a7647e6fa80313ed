// Package clickhouse implements the ClickHouse destination adapter.
// Relational tables land under an HR_ prefix, Zoho modules under a
// zoho_ prefix, and DevOps tables keep their exact names.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/spf13/cast"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/sink"
)

type Adapter struct {
	log  *slog.Logger
	conn driver.Conn

	// Tables already truncated during this connection; reload tables
	// are cleared once per run, not once per batch.
	truncated map[string]bool
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() string { return internal.DestClickHouse }

func open(ctx context.Context, cfg models.AdapterConfig, protocol clickhouse.Protocol, port int) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Protocol: protocol,
		Addr:     []string{net.JoinHostPort(cfg.String("host"), strconv.Itoa(port))},
		Auth: clickhouse.Auth{
			Database: cfg.String("database"),
			Username: cfg.String("username"),
			Password: cfg.String("password"),
		},
		DialTimeout: internal.DefaultConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// dial resolves the protocol before connecting. The native port 9000
// is commonly configured for servers that only expose the HTTP
// interface, so port 9000 without an explicit protocol tries HTTP on
// 8123 first and falls back to native on the configured port.
func dial(ctx context.Context, log *slog.Logger, cfg models.AdapterConfig) (driver.Conn, error) {
	port := cfg.IntOr("port", internal.DefaultClickHouseHTTPPort)

	switch strings.ToLower(cfg.String("protocol")) {
	case "native":
		return open(ctx, cfg, clickhouse.Native, port)
	case "http":
		return open(ctx, cfg, clickhouse.HTTP, port)
	}

	if port == internal.DefaultClickHouseNativePort {
		conn, err := open(ctx, cfg, clickhouse.HTTP, internal.DefaultClickHouseHTTPPort)
		if err == nil {
			log.Info("connected to clickhouse over http",
				slog.String("host", cfg.String("host")),
				slog.Int("port", internal.DefaultClickHouseHTTPPort))
			return conn, nil
		}
		log.Warn("http connection failed, trying native protocol",
			slog.Int("port", port), slog.Any("error", err))
		return open(ctx, cfg, clickhouse.Native, port)
	}
	return open(ctx, cfg, clickhouse.HTTP, port)
}

func (a *Adapter) Connect(ctx context.Context, cfg models.AdapterConfig) error {
	conn, err := dial(ctx, a.log, cfg)
	if err != nil {
		return fmt.Errorf("%w: clickhouse: %v", models.ErrConnectionFailed, err)
	}
	a.conn = conn
	a.truncated = make(map[string]bool)
	a.log.Info("connected to clickhouse",
		slog.String("host", cfg.String("host")),
		slog.String("database", cfg.String("database")))
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.truncated = nil
	return err
}

func (a *Adapter) TestConnection(ctx context.Context, cfg models.AdapterConfig) error {
	conn, err := dial(ctx, a.log, cfg)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

var typeMapping = map[string]string{
	"smallint":    "Int16",
	"integer":     "Int32",
	"bigint":      "Int64",
	"serial":      "Int32",
	"bigserial":   "Int64",
	"smallserial": "Int16",

	"real":             "Float32",
	"double precision": "Float64",
	"numeric":          "Decimal64(2)",
	"decimal":          "Decimal64(2)",
	"money":            "Decimal64(2)",

	"boolean": "UInt8",

	"character varying": "String",
	"varchar":           "String",
	"character":         "FixedString(255)",
	"char":              "FixedString(255)",
	"text":              "String",
	"string":            "String",

	"timestamp without time zone": "DateTime",
	"timestamp with time zone":    "DateTime",
	"timestamp":                   "DateTime",
	"datetime":                    "DateTime",
	"date":                        "Date",
	"time without time zone":      "String",
	"time with time zone":         "String",
	"interval":                    "String",

	"bytea": "String",

	"json":  "String",
	"jsonb": "String",

	"uuid": "UUID",
}

func mapType(sourceType string) string {
	t := strings.ToLower(strings.TrimSpace(sourceType))
	if strings.Contains(t, "[]") || strings.Contains(t, "array") {
		return "String"
	}
	if ch, ok := typeMapping[t]; ok {
		return ch
	}
	// Types carrying length or precision match on their base name,
	// e.g. varchar(255) or numeric(10,2). Longer keys win so that
	// "timestamp with time zone" beats "timestamp".
	best := ""
	bestLen := 0
	for key, ch := range typeMapping {
		if strings.HasPrefix(t, key) && len(key) > bestLen {
			best = ch
			bestLen = len(key)
		}
	}
	if best != "" {
		return best
	}
	return "String"
}

// MapTypes is total: every source type resolves to a ClickHouse type,
// unknown ones land on String.
func (a *Adapter) MapTypes(schema []models.Column, sourceKind string) []models.Column {
	mapped := make([]models.Column, len(schema))
	for i, col := range schema {
		chType := mapType(col.Type)
		if col.Nullable {
			chType = "Nullable(" + chType + ")"
		}
		col.MappedType = chType
		mapped[i] = col
	}
	return mapped
}

// targetTable applies the per-source naming convention.
func targetTable(table, sourceKind string) string {
	switch sourceKind {
	case internal.SourceZoho:
		return internal.ZohoTablePrefix + strings.ToLower(table)
	case internal.SourceDevOps:
		return table
	default:
		return internal.RelationalTablePrefix + table
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *Adapter) TableExists(ctx context.Context, table, sourceKind string) (bool, error) {
	if a.conn == nil {
		return false, models.ErrNotConnected
	}
	var exists uint8
	err := a.conn.QueryRow(ctx, "EXISTS TABLE "+quoteIdent(targetTable(table, sourceKind))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return exists == 1, nil
}

// sanitizeColumn converts arbitrary field names into safe lowercase
// identifiers, suffixing duplicates with a counter.
func sanitizeColumn(name string, used map[string]bool) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		sanitized = "field"
	}
	if sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "_" + sanitized
	}
	sanitized = strings.ToLower(sanitized)

	candidate := sanitized
	for counter := 1; used[candidate]; counter++ {
		candidate = fmt.Sprintf("%s_%d", sanitized, counter)
	}
	used[candidate] = true
	return candidate
}

func (a *Adapter) CreateTable(ctx context.Context, table string, schema []models.Column, sourceKind string, cons *models.Constraints) error {
	if a.conn == nil {
		return models.ErrNotConnected
	}
	name := targetTable(table, sourceKind)

	exists, err := a.TableExists(ctx, table, sourceKind)
	if err != nil {
		a.log.Debug("table existence check failed", slog.Any("error", err))
	}
	if exists {
		a.log.Info("table already exists, skipping creation", slog.String("table", name))
		return nil
	}

	var createSQL string
	switch sourceKind {
	case internal.SourceDevOps:
		createSQL = devopsCreateSQL(name, table, schema)
	case internal.SourceZoho:
		createSQL = zohoCreateSQL(name, schema)
	default:
		defs := make([]string, 0, len(schema))
		for _, col := range schema {
			defs = append(defs, quoteIdent(col.Name)+" "+col.MappedType)
		}
		createSQL = fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree() ORDER BY tuple()",
			quoteIdent(name), strings.Join(defs, ", "))
	}

	start := time.Now()
	a.log.Info("creating clickhouse table", slog.String("table", name))
	if err := a.conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	a.log.Info("created table",
		slog.String("table", name),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// zohoCreateSQL builds the Zoho module table: an id key, every module
// field as Nullable(String), and a load_time version column. The
// ReplacingMergeTree keyed on id collapses re-synced records to the
// latest load.
func zohoCreateSQL(name string, schema []models.Column) string {
	used := map[string]bool{"id": true, "load_time": true}
	var defs []string
	for _, col := range schema {
		if col.Name == "id" {
			continue
		}
		defs = append(defs, quoteIdent(sanitizeColumn(col.Name, used))+" Nullable(String)")
	}
	section := ""
	if len(defs) > 0 {
		section = ", " + strings.Join(defs, ", ")
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id String%s, load_time DateTime DEFAULT now()) ENGINE = ReplacingMergeTree(load_time) ORDER BY id",
		quoteIdent(name), section)
}

func devopsCreateSQL(name, table string, schema []models.Column) string {
	switch table {
	case "DEVOPS_PROJECTS":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			`+"`id`"+` String,
			`+"`name`"+` Nullable(String),
			`+"`description`"+` Nullable(String),
			`+"`state`"+` Nullable(String),
			`+"`revision`"+` Nullable(Int64),
			`+"`lastUpdateTime`"+` Nullable(String)
		) ENGINE = MergeTree() ORDER BY id`, quoteIdent(name))
	case "DEVOPS_TEAMS":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			`+"`id`"+` String,
			`+"`name`"+` Nullable(String),
			`+"`description`"+` Nullable(String),
			`+"`projectName`"+` Nullable(String),
			`+"`projectId`"+` Nullable(String)
		) ENGINE = MergeTree() ORDER BY id`, quoteIdent(name))
	case "DEVOPS_WORKITEMS_MAIN":
		// Payload columns surface through schema evolution at write
		// time; the key column is enough to create the table.
		return fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (`id` String) ENGINE = ReplacingMergeTree() ORDER BY id",
			quoteIdent(name))
	case "DEVOPS_WORKITEMS_UPDATES", "DEVOPS_WORKITEMS_REVISIONS":
		return fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (`work_item_id` String, `rev` Int64) ENGINE = ReplacingMergeTree() ORDER BY (work_item_id, rev)",
			quoteIdent(name))
	case "DEVOPS_WORKITEMS_COMMENTS":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			`+"`work_item_id`"+` String,
			`+"`comment_id`"+` Nullable(String),
			`+"`text`"+` Nullable(String),
			`+"`created_date`"+` Nullable(String),
			`+"`created_by`"+` Nullable(String),
			`+"`modified_date`"+` Nullable(String),
			`+"`modified_by`"+` Nullable(String),
			`+"`is_deleted`"+` Nullable(Int64),
			load_time DateTime DEFAULT now()
		) ENGINE = MergeTree() ORDER BY load_time`, quoteIdent(name))
	case "DEVOPS_WORKITEMS_RELATIONS":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			`+"`work_item_id`"+` String,
			`+"`relation_type`"+` Nullable(String),
			`+"`related_work_item_id`"+` Nullable(String),
			`+"`related_work_item_url`"+` Nullable(String),
			`+"`attributes_name`"+` Nullable(String),
			load_time DateTime DEFAULT now()
		) ENGINE = MergeTree() ORDER BY load_time`, quoteIdent(name))
	default:
		defs := make([]string, 0, len(schema))
		for _, col := range schema {
			defs = append(defs, quoteIdent(col.Name)+" "+col.MappedType)
		}
		return fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree() ORDER BY tuple()",
			quoteIdent(name), strings.Join(defs, ", "))
	}
}

// existingColumns describes the live table.
func (a *Adapter) existingColumns(ctx context.Context, name string) (map[string]bool, error) {
	rows, err := a.conn.Query(ctx, "DESCRIBE TABLE "+quoteIdent(name))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			colName, colType, defaultType, defaultExpr, comment, codec, ttl string
		)
		if err := rows.Scan(&colName, &colType, &defaultType, &defaultExpr, &comment, &codec, &ttl); err != nil {
			return nil, err
		}
		cols[colName] = true
	}
	return cols, rows.Err()
}

// ensureColumns adds any missing Nullable(String) columns so evolving
// payloads never fail a load.
func (a *Adapter) ensureColumns(ctx context.Context, name string, columns []string, existing map[string]bool) {
	for _, col := range columns {
		if existing[col] {
			continue
		}
		err := a.conn.Exec(ctx,
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s Nullable(String)", quoteIdent(name), quoteIdent(col)))
		if err != nil {
			a.log.Warn("could not add column",
				slog.String("table", name), slog.String("column", col), slog.Any("error", err))
			continue
		}
		existing[col] = true
		a.log.Debug("added column", slog.String("table", name), slog.String("column", col))
	}
}

// existingIDs loads the id set of a table for duplicate suppression.
// A missing or empty table yields an empty set.
func (a *Adapter) existingIDs(ctx context.Context, name string) map[string]bool {
	rows, err := a.conn.Query(ctx, "SELECT id FROM "+quoteIdent(name))
	if err != nil {
		a.log.Debug("could not fetch existing ids",
			slog.String("table", name), slog.Any("error", err))
		return map[string]bool{}
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids
		}
		ids[id] = true
	}
	return ids
}

func (a *Adapter) WriteData(ctx context.Context, table string, batch models.Batch, sourceKind string, primaryKeys []string) (int, error) {
	if a.conn == nil {
		return 0, models.ErrNotConnected
	}
	if len(batch) == 0 {
		return 0, nil
	}
	name := targetTable(table, sourceKind)

	switch sourceKind {
	case internal.SourceDevOps:
		return a.writeDevOps(ctx, name, table, batch)
	case internal.SourceZoho:
		return a.writeZoho(ctx, name, table, batch)
	default:
		return a.writeRelational(ctx, name, batch)
	}
}

func (a *Adapter) writeRelational(ctx context.Context, name string, batch models.Batch) (int, error) {
	columns := make([]string, 0, len(batch[0]))
	for col := range batch[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	rows := make([][]any, len(batch))
	for i, record := range batch {
		values := make([]any, len(columns))
		for j, col := range columns {
			values[j] = record[col]
		}
		rows[i] = values
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", quoteIdent(name), joinQuoted(columns))
	err := sink.RetryWrite(ctx, internal.SinkWriteRetries, internal.SinkWriteRetryDelay, func() error {
		return a.insertRows(ctx, query, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", name, err)
	}
	return len(batch), nil
}

func (a *Adapter) writeZoho(ctx context.Context, name, table string, batch models.Batch) (int, error) {
	existingIDs := a.existingIDs(ctx, name)
	a.log.Info("checked existing records",
		slog.String("table", name), slog.Int("existing", len(existingIDs)))

	newRecords := make(models.Batch, 0, len(batch))
	for _, record := range batch {
		if !existingIDs[cast.ToString(record["id"])] {
			newRecords = append(newRecords, record)
		}
	}
	if len(newRecords) == 0 {
		a.log.Info("all records already exist, skipping insertion",
			slog.String("table", name), slog.Int("records", len(batch)))
		return 0, nil
	}
	a.log.Info("inserting new records",
		slog.String("table", name),
		slog.Int("new", len(newRecords)),
		slog.Int("duplicates", len(batch)-len(newRecords)))

	fieldSet := make(map[string]bool)
	for _, record := range newRecords {
		for field := range record {
			if field != "id" {
				fieldSet[field] = true
			}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	existing, err := a.existingColumns(ctx, name)
	if err != nil {
		a.log.Warn("could not describe table", slog.String("table", name), slog.Any("error", err))
		existing = map[string]bool{"id": true, "load_time": true}
	}

	used := map[string]bool{"id": true, "load_time": true}
	columnMap := make(map[string]string, len(fields))
	sanitized := make([]string, 0, len(fields))
	for _, field := range fields {
		col := sanitizeColumn(field, used)
		columnMap[field] = col
		sanitized = append(sanitized, col)
	}
	a.ensureColumns(ctx, name, sanitized, existing)

	columns := append([]string{"id"}, sanitized...)
	rows := make([][]any, 0, len(newRecords))
	for _, record := range newRecords {
		row := make([]any, 0, len(columns))
		row = append(row, cast.ToString(record["id"]))
		for _, field := range fields {
			row = append(row, nullableString(record[field]))
		}
		rows = append(rows, row)
	}

	return a.insertChunked(ctx, name, table, columns, rows)
}

// insertChunked inserts rows in fixed-size chunks. A chunk that still
// fails after the write retries is replayed record by record so one
// bad row does not sink the rest.
func (a *Adapter) insertChunked(ctx context.Context, name, table string, columns []string, rows [][]any) (int, error) {
	query := fmt.Sprintf("INSERT INTO %s (%s)", quoteIdent(name), joinQuoted(columns))
	inserted := 0
	for start := 0; start < len(rows); start += internal.SinkInsertChunkSize {
		end := start + internal.SinkInsertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := sink.RetryWrite(ctx, internal.SinkWriteRetries, internal.SinkWriteRetryDelay, func() error {
			return a.insertRows(ctx, query, chunk)
		})
		if err != nil {
			a.log.Error("error inserting chunk, retrying record by record",
				slog.String("table", table), slog.Any("error", err))
			for _, row := range chunk {
				if rowErr := a.insertRows(ctx, query, [][]any{row}); rowErr != nil {
					a.log.Error("error inserting record",
						slog.String("table", table),
						slog.Any("id", row[0]),
						slog.Any("error", rowErr))
					continue
				}
				inserted++
			}
			return inserted, fmt.Errorf("insert chunk into %s: %w", name, err)
		}
		inserted += len(chunk)
	}
	a.log.Info("inserted records",
		slog.String("table", table), slog.Int("records", inserted))
	return inserted, nil
}

func (a *Adapter) insertRows(ctx context.Context, query string, rows [][]any) error {
	prepared, err := a.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := prepared.Append(row...); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return prepared.Send()
}

func (a *Adapter) writeDevOps(ctx context.Context, name, table string, batch models.Batch) (int, error) {
	a.log.Info("writing records",
		slog.String("table", table), slog.Int("records", len(batch)))

	// Projects and teams are reference tables reloaded from scratch
	// on every run.
	if table == "DEVOPS_PROJECTS" || table == "DEVOPS_TEAMS" {
		if !a.truncated[name] {
			if err := a.conn.Exec(ctx, "ALTER TABLE "+quoteIdent(name)+" DELETE WHERE 1=1"); err != nil {
				a.log.Warn("error clearing table",
					slog.String("table", name), slog.Any("error", err))
			}
			a.truncated[name] = true
		}
	}

	idField := "id"
	withRev := false
	switch table {
	case "DEVOPS_WORKITEMS_UPDATES", "DEVOPS_WORKITEMS_REVISIONS":
		idField = "work_item_id"
		withRev = true
	case "DEVOPS_WORKITEMS_COMMENTS", "DEVOPS_WORKITEMS_RELATIONS":
		idField = "work_item_id"
	}

	fieldSet := make(map[string]bool)
	for _, record := range batch {
		for field := range record {
			if field != idField && field != "rev" {
				fieldSet[field] = true
			}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	existing, err := a.existingColumns(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("describe %s: %w", name, err)
	}

	used := map[string]bool{idField: true, "rev": true, "load_time": true}
	columnMap := make(map[string]string, len(fields))
	sanitized := make([]string, 0, len(fields))
	for _, field := range fields {
		col := sanitizeColumn(field, used)
		columnMap[field] = col
		sanitized = append(sanitized, col)
	}
	a.ensureColumns(ctx, name, sanitized, existing)

	columns := []string{idField}
	if withRev {
		columns = append(columns, "rev")
	}
	writable := make([]string, 0, len(fields))
	for _, field := range fields {
		if existing[columnMap[field]] {
			writable = append(writable, field)
			columns = append(columns, columnMap[field])
		}
	}

	rows := make([][]any, 0, len(batch))
	for _, record := range batch {
		row := make([]any, 0, len(columns))
		row = append(row, cast.ToString(record[idField]))
		if withRev {
			row = append(row, cast.ToInt64(record["rev"]))
		}
		for _, field := range writable {
			row = append(row, nullableString(record[field]))
		}
		rows = append(rows, row)
	}

	return a.insertChunked(ctx, name, table, columns, rows)
}

// nullableString normalizes a record value into a Nullable(String)
// cell: nil stays NULL, everything else is rendered as text.
func nullableString(v any) any {
	if v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return cast.ToString(v)
}

func joinQuoted(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
