package clickhouse

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/migration-service/internal/models"
)

func TestMapType(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"integer", "Int32"},
		{"bigint", "Int64"},
		{"smallint", "Int16"},
		{"double precision", "Float64"},
		{"numeric(10,2)", "Decimal64(2)"},
		{"boolean", "UInt8"},
		{"character varying", "String"},
		{"varchar(255)", "String"},
		{"text", "String"},
		{"timestamp without time zone", "DateTime"},
		{"timestamp with time zone", "DateTime"},
		{"date", "Date"},
		{"time without time zone", "String"},
		{"uuid", "UUID"},
		{"jsonb", "String"},
		{"integer[]", "String"},
		{"ARRAY", "String"},
		{"string", "String"},
		{"geometry", "String"},
		{"", "String"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mapType(tc.source), tc.source)
	}
}

func TestMapTypesNullable(t *testing.T) {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	mapped := a.MapTypes([]models.Column{
		{Name: "id", Type: "integer", Nullable: false},
		{Name: "note", Type: "text", Nullable: true},
	}, "postgresql")

	require.Len(t, mapped, 2)
	assert.Equal(t, "Int32", mapped[0].MappedType)
	assert.Equal(t, "Nullable(String)", mapped[1].MappedType)
}

func TestTargetTable(t *testing.T) {
	assert.Equal(t, "zoho_accounts", targetTable("Accounts", "zoho"))
	assert.Equal(t, "DEVOPS_PROJECTS", targetTable("DEVOPS_PROJECTS", "devops"))
	assert.Equal(t, "HR_employees", targetTable("employees", "postgresql"))
	assert.Equal(t, "HR_employees", targetTable("employees", "mysql"))
}

func TestSanitizeColumn(t *testing.T) {
	used := map[string]bool{"id": true, "load_time": true}

	assert.Equal(t, "account_name", sanitizeColumn("Account Name", used))
	assert.Equal(t, "_2nd_field", sanitizeColumn("2nd-field", used))
	assert.Equal(t, "field", sanitizeColumn("", used))
	// A repeat of an already used name gets a counter suffix.
	assert.Equal(t, "account_name_1", sanitizeColumn("Account.Name", used))
}

func TestZohoCreateSQL(t *testing.T) {
	sql := zohoCreateSQL("zoho_leads", []models.Column{
		{Name: "id"},
		{Name: "Company"},
		{Name: "Last Name"},
	})

	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS `zoho_leads`")
	assert.Contains(t, sql, "id String")
	assert.Contains(t, sql, "`company` Nullable(String)")
	assert.Contains(t, sql, "`last_name` Nullable(String)")
	assert.Contains(t, sql, "load_time DateTime DEFAULT now()")
	assert.Contains(t, sql, "ReplacingMergeTree(load_time)")
	assert.Contains(t, sql, "ORDER BY id")
}

func TestDevopsCreateSQL(t *testing.T) {
	t.Run("projects", func(t *testing.T) {
		sql := devopsCreateSQL("DEVOPS_PROJECTS", "DEVOPS_PROJECTS", nil)
		assert.Contains(t, sql, "`revision` Nullable(Int64)")
		assert.Contains(t, sql, "ORDER BY id")
	})

	t.Run("updates collapse on work item and revision", func(t *testing.T) {
		sql := devopsCreateSQL("DEVOPS_WORKITEMS_UPDATES", "DEVOPS_WORKITEMS_UPDATES", nil)
		assert.Contains(t, sql, "`work_item_id` String")
		assert.Contains(t, sql, "`rev` Int64")
		assert.Contains(t, sql, "ReplacingMergeTree()")
		assert.Contains(t, sql, "ORDER BY (work_item_id, rev)")
	})

	t.Run("comments keep a load_time", func(t *testing.T) {
		sql := devopsCreateSQL("DEVOPS_WORKITEMS_COMMENTS", "DEVOPS_WORKITEMS_COMMENTS", nil)
		assert.Contains(t, sql, "load_time DateTime DEFAULT now()")
		assert.Contains(t, sql, "ORDER BY load_time")
	})

	t.Run("unknown table falls back to mapped schema", func(t *testing.T) {
		sql := devopsCreateSQL("DEVOPS_OTHER", "DEVOPS_OTHER", []models.Column{
			{Name: "id", MappedType: "String"},
		})
		assert.Contains(t, sql, "`id` String")
		assert.Contains(t, sql, "ORDER BY tuple()")
	})
}

func TestNullableString(t *testing.T) {
	assert.Nil(t, nullableString(nil))
	assert.Equal(t, "42", nullableString(int64(42)))
	assert.Equal(t, "true", nullableString(true))
	assert.Equal(t, "hello", nullableString("hello"))
}
