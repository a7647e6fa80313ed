package internal

import "time"

// Default values
const (
	// Adapter kind identifiers
	SourcePostgres  = "postgresql"
	SourceMySQL     = "mysql"
	SourceSQLServer = "sqlserver"
	SourceZoho      = "zoho"
	SourceDevOps    = "devops"

	DestClickHouse = "clickhouse"
	DestPostgres   = "postgresql"
	DestMySQL      = "mysql"

	// Per-table retry constants
	TableMaxAttempts = 3
	TableRetryDelay  = 2 * time.Second

	// Batch sizes by source kind. The work-item API rejects large id
	// batches and the CRM API caps page size at 200.
	BatchSizeDevOps   = 50
	BatchSizeZoho     = 200
	BatchSizeDatabase = 1000

	// Source page fetch retries; the delay grows linearly per attempt
	SourceFetchRetries    = 3
	SourceFetchRetryDelay = 2 * time.Second

	// Sink write retries
	SinkWriteRetries    = 3
	SinkWriteRetryDelay = 3 * time.Second
	SinkInsertChunkSize = 1000

	// ClickHouse table name prefixes
	ZohoTablePrefix       = "zoho_"
	RelationalTablePrefix = "HR_"
	DevOpsTablePrefix     = "DEVOPS_"

	// MySQL identifier limit; longer constraint names get truncated
	// with a hash suffix.
	MySQLMaxIdentifierLength = 64

	// Connection defaults
	DefaultPostgresPort         = 5432
	DefaultMySQLPort            = 3306
	DefaultSQLServerPort        = 1433
	DefaultClickHouseNativePort = 9000
	DefaultClickHouseHTTPPort   = 8123
	DefaultConnectTimeout       = 30 * time.Second
	DefaultSaaSRequestTimeout   = 60 * time.Second
)
