package mysql

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/migration-service/internal/models"
)

func TestConvertType(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"integer", "INT"},
		{"bigint", "BIGINT"},
		{"serial", "INT AUTO_INCREMENT"},
		{"character varying(120)", "VARCHAR(120)"},
		{"varchar(255)", "VARCHAR(255)"},
		{"varchar", "VARCHAR(255)"},
		{"char(2)", "CHAR(2)"},
		{"numeric(10,2)", "DECIMAL(10,2)"},
		{"numeric(12)", "DECIMAL(12,6)"},
		{"numeric", "DECIMAL(65,30)"},
		{"text", "TEXT"},
		{"timestamp without time zone", "DATETIME"},
		{"timestamp with time zone", "DATETIME"},
		{"boolean", "BOOLEAN"},
		{"jsonb", "JSON"},
		{"uuid", "VARCHAR(36)"},
		{"integer[]", "JSON"},
		{"nvarchar(50)", "VARCHAR(50)"},
		{"uniqueidentifier", "CHAR(36)"},
		{"datetimeoffset", "VARCHAR(50)"},
		{"money", "DECIMAL(19,4)"},
		{"string", "TEXT"},
		{"geometry", "TEXT"},
		{"", "TEXT"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, convertType(tc.source), tc.source)
	}
}

func TestSplitType(t *testing.T) {
	base, params := splitType("NUMERIC(10, 2)")
	assert.Equal(t, "numeric", base)
	assert.Equal(t, []int{10, 2}, params)

	base, params = splitType("text")
	assert.Equal(t, "text", base)
	assert.Nil(t, params)

	base, params = splitType("enum('a','b')")
	assert.Equal(t, "enum", base)
	assert.Nil(t, params)
}

func TestConvertDefault(t *testing.T) {
	tests := []struct {
		def  string
		want string
	}{
		{"", ""},
		{"nextval('users_id_seq'::regclass)", ""},
		{"'active'::character varying", "'active'"},
		{"true", "TRUE"},
		{"false", "FALSE"},
		{"NULL", "NULL"},
		{"now()", "CURRENT_TIMESTAMP"},
		{"CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP"},
		{"CURRENT_DATE", "CURRENT_DATE"},
		{"42", "42"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, convertDefault(tc.def), tc.def)
	}
}

func TestDefaultClause(t *testing.T) {
	assert.Equal(t, " DEFAULT CURRENT_TIMESTAMP", defaultClause("CURRENT_TIMESTAMP"))
	assert.Equal(t, " DEFAULT NULL", defaultClause("null"))
	assert.Equal(t, " DEFAULT 42", defaultClause("42"))
	assert.Equal(t, " DEFAULT 3.14", defaultClause("3.14"))
	assert.Equal(t, " DEFAULT 'active'", defaultClause("active"))
	assert.Equal(t, " DEFAULT 'it''s'", defaultClause("it's"))
}

func TestConstraintName(t *testing.T) {
	assert.Equal(t, "idx_users_email", constraintName("idx_users_email"))

	long := strings.Repeat("a", 80)
	shortened := constraintName(long)
	assert.Len(t, shortened, 64)
	assert.True(t, strings.HasPrefix(shortened, strings.Repeat("a", 55)+"_"))
	// Shortening is deterministic.
	assert.Equal(t, shortened, constraintName(long))
}

func TestSanitizeColumn(t *testing.T) {
	assert.Equal(t, "order_total", sanitizeColumn("order total"))
	assert.Equal(t, "_2fa_enabled", sanitizeColumn("2fa-enabled"))
	assert.Equal(t, "plain", sanitizeColumn("plain"))
}

func TestConvertValue(t *testing.T) {
	v, err := convertValue(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, v.(string))

	v, err = convertValue([]any{"x", "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `["x", "y"]`, v.(string))

	v, err = convertValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = convertValue(7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBuildInsert(t *testing.T) {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("plain insert without keys", func(t *testing.T) {
		sql := a.buildInsert("users", []string{"id", "name"}, 2, nil)
		assert.Equal(t,
			"INSERT INTO `users` (`id`, `name`) VALUES (?, ?), (?, ?)", sql)
	})

	t.Run("upsert with primary keys", func(t *testing.T) {
		sql := a.buildInsert("users", []string{"id", "name"}, 1, []string{"id"})
		assert.Contains(t, sql, "ON DUPLICATE KEY UPDATE `name` = VALUES(`name`)")
		assert.NotContains(t, sql, "`id` = VALUES(`id`)")
	})

	t.Run("ignore when every column is a key", func(t *testing.T) {
		sql := a.buildInsert("links", []string{"a", "b"}, 1, []string{"a", "b"})
		assert.True(t, strings.HasPrefix(sql, "INSERT IGNORE INTO"))
		assert.NotContains(t, sql, "ON DUPLICATE KEY UPDATE")
	})
}

func TestReferentialRule(t *testing.T) {
	assert.Equal(t, "RESTRICT", referentialRule(""))
	assert.Equal(t, "RESTRICT", referentialRule("NO ACTION"))
	assert.Equal(t, "CASCADE", referentialRule("CASCADE"))
	assert.Equal(t, "SET NULL", referentialRule("SET NULL"))
}

func TestMapTypes(t *testing.T) {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	mapped := a.MapTypes([]models.Column{
		{Name: "id", Type: "integer"},
		{Name: "title", Type: "varchar(80)"},
	}, "postgresql")

	require.Len(t, mapped, 2)
	assert.Equal(t, "INT", mapped[0].MappedType)
	assert.Equal(t, "VARCHAR(80)", mapped[1].MappedType)
}
