package analyzer

import "strings"

// kindForPostgres resolves an information_schema data_type / udt_name pair.
// enumTypes holds the names of user-defined enum types in the database.
func kindForPostgres(dataType, udtName string, enumTypes map[string]bool) TypeKind {
	switch dataType {
	case "smallint":
		return KindIntegerSmall
	case "integer":
		return KindInteger
	case "bigint":
		return KindIntegerBig
	case "numeric", "real", "double precision", "money":
		return KindDecimal
	case "text", "character varying", "character", "citext", "name":
		return KindText
	case "bytea":
		return KindBinary
	case "boolean":
		return KindBoolean
	case "timestamp without time zone":
		return KindTimestamp
	case "timestamp with time zone":
		return KindTimestampTZ
	case "date", "time without time zone", "time with time zone":
		return KindTimestamp
	case "uuid":
		return KindUUID
	case "json", "jsonb":
		return KindJSON
	case "ARRAY":
		return KindArray
	case "USER-DEFINED":
		switch {
		case udtName == "vector":
			return KindVector
		case udtName == "citext":
			return KindText
		case enumTypes[udtName]:
			return KindEnum
		}
		return KindRaw
	}
	return KindRaw
}

// kindForMySQL resolves an INFORMATION_SCHEMA.COLUMNS DATA_TYPE value.
func kindForMySQL(dataType string) TypeKind {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint":
		return KindIntegerSmall
	case "int", "mediumint", "integer":
		return KindInteger
	case "bigint":
		return KindIntegerBig
	case "decimal", "numeric", "float", "double":
		return KindDecimal
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext":
		return KindText
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return KindBinary
	case "bit", "bool", "boolean":
		return KindBoolean
	case "datetime", "date", "time":
		return KindTimestamp
	case "timestamp":
		return KindTimestampTZ
	case "json":
		return KindJSON
	case "enum", "set":
		return KindEnum
	}
	return KindRaw
}

// kindForSQLite resolves a declared column type using SQLite's affinity
// rules, widened to the portable taxonomy.
func kindForSQLite(declared string) TypeKind {
	d := strings.ToUpper(declared)
	switch {
	case d == "":
		// Typeless columns have BLOB affinity but usually hold anything.
		return KindRaw
	case strings.Contains(d, "INT"):
		return KindIntegerBig
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return KindText
	case strings.Contains(d, "BLOB"):
		return KindBinary
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"),
		strings.Contains(d, "NUMERIC"), strings.Contains(d, "DECIMAL"):
		return KindDecimal
	case strings.Contains(d, "BOOL"):
		return KindBoolean
	case strings.Contains(d, "DATETIME"), strings.Contains(d, "TIMESTAMP"), d == "DATE":
		return KindTimestamp
	case d == "UUID":
		return KindUUID
	case strings.Contains(d, "JSON"):
		return KindJSON
	}
	return KindRaw
}
