package mysql

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/driftworks/migration-service/internal"
)

var typeMappings = map[string]string{
	"smallint":    "SMALLINT",
	"integer":     "INT",
	"int":         "INT",
	"int4":        "INT",
	"int8":        "BIGINT",
	"bigint":      "BIGINT",
	"serial":      "INT AUTO_INCREMENT",
	"bigserial":   "BIGINT AUTO_INCREMENT",
	"smallserial": "SMALLINT AUTO_INCREMENT",

	"real":             "FLOAT",
	"double precision": "DOUBLE",
	"float4":           "FLOAT",
	"float8":           "DOUBLE",
	"numeric":          "DECIMAL",
	"decimal":          "DECIMAL",

	"character varying": "VARCHAR",
	"varchar":           "VARCHAR",
	"character":         "CHAR",
	"char":              "CHAR",
	"text":              "TEXT",

	"bytea": "BLOB",

	"timestamp":                   "DATETIME",
	"timestamp without time zone": "DATETIME",
	"timestamp with time zone":    "DATETIME",
	"timestamptz":                 "DATETIME",
	"date":                        "DATE",
	"time":                        "TIME",
	"time without time zone":      "TIME",
	"time with time zone":         "TIME",
	"timetz":                      "TIME",
	"interval":                    "VARCHAR(255)",

	"boolean": "BOOLEAN",
	"bool":    "BOOLEAN",

	"json":  "JSON",
	"jsonb": "JSON",

	"uuid": "VARCHAR(36)",

	"inet":    "VARCHAR(45)",
	"cidr":    "VARCHAR(45)",
	"macaddr": "VARCHAR(17)",

	"array": "JSON",

	"nvarchar":       "VARCHAR",
	"nchar":          "CHAR",
	"ntext":          "TEXT",
	"datetime2":      "DATETIME",
	"smalldatetime":  "DATETIME",
	"datetimeoffset": "VARCHAR(50)",
	"bit":            "BOOLEAN",
	"money":          "DECIMAL(19,4)",
	"smallmoney":     "DECIMAL(10,4)",

	"uniqueidentifier": "CHAR(36)",

	"string": "TEXT",
}

// splitType separates a full source type like varchar(255) or
// numeric(10,2) into its base name and numeric parameters.
func splitType(fullType string) (base string, params []int) {
	t := strings.ToLower(strings.TrimSpace(fullType))
	open := strings.Index(t, "(")
	if open < 0 {
		return t, nil
	}
	close := strings.LastIndex(t, ")")
	if close <= open {
		return t, nil
	}
	base = strings.TrimSpace(t[:open])
	for _, part := range strings.Split(t[open+1:close], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return base, nil
		}
		params = append(params, n)
	}
	return base, params
}

// convertType maps a source column type to its MySQL equivalent.
// Unknown types degrade to TEXT.
func convertType(fullType string) string {
	base, params := splitType(fullType)

	if strings.Contains(base, "[]") || strings.HasSuffix(base, " array") {
		return "JSON"
	}

	switch base {
	case "varchar", "character varying", "char", "character", "nvarchar", "nchar":
		if len(params) > 0 && params[0] > 0 {
			return fmt.Sprintf("%s(%d)", typeMappings[base], params[0])
		}
		return "VARCHAR(255)"
	case "numeric", "decimal":
		switch len(params) {
		case 2:
			return fmt.Sprintf("DECIMAL(%d,%d)", params[0], params[1])
		case 1:
			scale := params[0] / 2
			if scale > 30 {
				scale = 30
			}
			return fmt.Sprintf("DECIMAL(%d,%d)", params[0], scale)
		default:
			return "DECIMAL(65,30)"
		}
	}

	if mysqlType, ok := typeMappings[base]; ok {
		return mysqlType
	}
	return "TEXT"
}

var castPattern = regexp.MustCompile(`::\w+(\[\])?`)

// convertDefault rewrites a source column default into a MySQL
// compatible expression. Empty result means the default is dropped.
func convertDefault(def string) string {
	def = strings.TrimSpace(def)
	if def == "" {
		return ""
	}

	def = castPattern.ReplaceAllString(def, "")
	lower := strings.ToLower(def)

	switch {
	case strings.Contains(lower, "nextval"):
		// AUTO_INCREMENT covers sequence-backed defaults.
		return ""
	case lower == "true" || lower == "false":
		return strings.ToUpper(def)
	case strings.ToUpper(def) == "NULL":
		return "NULL"
	case strings.Contains(lower, "now()") || strings.Contains(lower, "current_timestamp"):
		return "CURRENT_TIMESTAMP"
	case strings.Contains(lower, "current_date"):
		return "CURRENT_DATE"
	case strings.Contains(lower, "current_time"):
		return "CURRENT_TIME"
	}
	return def
}

// defaultClause renders a converted default as SQL, quoting string
// literals and passing keywords and numbers through.
func defaultClause(def string) string {
	upper := strings.ToUpper(strings.TrimSpace(def))
	switch upper {
	case "NULL", "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME", "TRUE", "FALSE":
		return " DEFAULT " + upper
	}
	if _, err := strconv.ParseFloat(def, 64); err == nil {
		return " DEFAULT " + def
	}
	return " DEFAULT '" + strings.ReplaceAll(def, "'", "''") + "'"
}

// constraintName shortens identifiers beyond the MySQL limit,
// keeping a hash suffix so shortened names stay unique.
func constraintName(name string) string {
	if len(name) <= internal.MySQLMaxIdentifierLength {
		return name
	}
	sum := md5.Sum([]byte(name))
	return name[:55] + "_" + hex.EncodeToString(sum[:])[:8]
}
