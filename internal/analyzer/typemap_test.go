package analyzer

import (
	"testing"

	"github.com/shiftdb/shift/internal/testutil"
)

func TestKindForPostgres(t *testing.T) {
	enums := map[string]bool{"order_status": true}
	tests := []struct {
		dataType string
		udtName  string
		want     TypeKind
	}{
		{"smallint", "int2", KindIntegerSmall},
		{"integer", "int4", KindInteger},
		{"bigint", "int8", KindIntegerBig},
		{"numeric", "numeric", KindDecimal},
		{"character varying", "varchar", KindText},
		{"bytea", "bytea", KindBinary},
		{"boolean", "bool", KindBoolean},
		{"timestamp without time zone", "timestamp", KindTimestamp},
		{"timestamp with time zone", "timestamptz", KindTimestampTZ},
		{"uuid", "uuid", KindUUID},
		{"jsonb", "jsonb", KindJSON},
		{"ARRAY", "_text", KindArray},
		{"USER-DEFINED", "order_status", KindEnum},
		{"USER-DEFINED", "vector", KindVector},
		{"USER-DEFINED", "geometry", KindRaw},
		{"tsvector", "tsvector", KindRaw},
	}
	for _, tt := range tests {
		got := kindForPostgres(tt.dataType, tt.udtName, enums)
		if got != tt.want {
			t.Errorf("kindForPostgres(%q, %q) = %v, want %v", tt.dataType, tt.udtName, got, tt.want)
		}
	}
}

func TestKindForMySQL(t *testing.T) {
	testutil.Equal(t, KindIntegerSmall, kindForMySQL("tinyint"))
	testutil.Equal(t, KindInteger, kindForMySQL("INT"))
	testutil.Equal(t, KindIntegerBig, kindForMySQL("bigint"))
	testutil.Equal(t, KindText, kindForMySQL("longtext"))
	testutil.Equal(t, KindBinary, kindForMySQL("varbinary"))
	testutil.Equal(t, KindTimestampTZ, kindForMySQL("timestamp"))
	testutil.Equal(t, KindTimestamp, kindForMySQL("datetime"))
	testutil.Equal(t, KindEnum, kindForMySQL("enum"))
	testutil.Equal(t, KindJSON, kindForMySQL("json"))
	testutil.Equal(t, KindRaw, kindForMySQL("geometry"))
}

func TestKindForSQLite(t *testing.T) {
	testutil.Equal(t, KindIntegerBig, kindForSQLite("INTEGER"))
	testutil.Equal(t, KindText, kindForSQLite("VARCHAR(255)"))
	testutil.Equal(t, KindText, kindForSQLite("NVARCHAR(100)"))
	testutil.Equal(t, KindDecimal, kindForSQLite("DECIMAL(10,2)"))
	testutil.Equal(t, KindBinary, kindForSQLite("BLOB"))
	testutil.Equal(t, KindBoolean, kindForSQLite("BOOLEAN"))
	testutil.Equal(t, KindTimestamp, kindForSQLite("DATETIME"))
	testutil.Equal(t, KindJSON, kindForSQLite("JSON"))
	testutil.Equal(t, KindRaw, kindForSQLite(""))
}
