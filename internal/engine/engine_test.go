package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/testutil"
)

func TestComputeBackoffGrowth(t *testing.T) {
	testutil.Equal(t, 1*time.Second, computeBackoffWithRand(1, nil))
	testutil.Equal(t, 2*time.Second, computeBackoffWithRand(2, nil))
	testutil.Equal(t, 4*time.Second, computeBackoffWithRand(3, nil))
	testutil.Equal(t, 16*time.Second, computeBackoffWithRand(5, nil))
	// Capped.
	testutil.Equal(t, 30*time.Second, computeBackoffWithRand(12, nil))
	// attempt < 1 clamps to 1.
	testutil.Equal(t, 1*time.Second, computeBackoffWithRand(0, nil))
}

func TestComputeBackoffJitter(t *testing.T) {
	got := computeBackoffWithRand(1, func(n int64) int64 { return n / 2 })
	testutil.Equal(t, 1*time.Second+250*time.Millisecond, got)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"query canceled", &pgconn.PgError{Code: "57014"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestRowDigestSeparatesFields(t *testing.T) {
	a := RowDigest([]any{"ab", "c"})
	b := RowDigest([]any{"a", "bc"})
	testutil.NotEqual(t, a, b)
}

func TestRowDigestNilDistinctFromEmpty(t *testing.T) {
	testutil.NotEqual(t, RowDigest([]any{nil}), RowDigest([]any{""}))
}

func TestRowDigestTimeNormalizesZone(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	utc := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testutil.Equal(t, RowDigest([]any{utc}), RowDigest([]any{utc.In(loc)}))
}

func TestChainChecksumPropagates(t *testing.T) {
	c1 := ChainChecksum("", BatchChecksum([][]any{{int64(1), "a"}}))
	c2 := ChainChecksum(c1, BatchChecksum([][]any{{int64(2), "b"}}))

	d1 := ChainChecksum("", BatchChecksum([][]any{{int64(1), "a*"}}))
	d2 := ChainChecksum(d1, BatchChecksum([][]any{{int64(2), "b"}}))

	testutil.NotEqual(t, c2, d2)
}

func TestBatchChecksumOrderMatters(t *testing.T) {
	rows := [][]any{{int64(1)}, {int64(2)}}
	reversed := [][]any{{int64(2)}, {int64(1)}}
	testutil.NotEqual(t, BatchChecksum(rows), BatchChecksum(reversed))
}

func TestUdtFor(t *testing.T) {
	cases := map[string]string{
		"bigint":                   "int8",
		"integer":                  "int4",
		"smallint":                 "int2",
		"boolean":                  "bool",
		"text":                     "text",
		"uuid":                     "uuid",
		"jsonb":                    "jsonb",
		"bytea":                    "bytea",
		"numeric(10,2)":            "numeric",
		"double precision":         "float8",
		"timestamptz":              "timestamptz",
		"timestamp with time zone": "timestamptz",
		"vector(768)":              "vector",
		"character varying(80)":    "varchar",
	}
	for declared, want := range cases {
		testutil.Equal(t, want, udtFor(declared))
	}
}

func TestBuildBatchSQLKeyset(t *testing.T) {
	q := BatchQuery{
		Table:     "orders",
		Columns:   []string{"id", "total"},
		OrderBy:   []string{"id"},
		KeyColumn: "id",
		AfterKey:  int64(42),
		Limit:     100,
	}
	stmt, args := buildBatchSQL(q, pgQuote, "$1")
	testutil.Equal(t, `SELECT "id", "total" FROM "orders" WHERE "id" > $1 ORDER BY "id" LIMIT 100`, stmt)
	testutil.Equal(t, 1, len(args))
	testutil.Equal(t, int64(42), args[0].(int64))
}

func TestBuildBatchSQLOffsetFallback(t *testing.T) {
	q := BatchQuery{
		Table:   "events",
		Columns: []string{"a", "b"},
		OrderBy: []string{"a", "b"},
		Offset:  300,
		Limit:   100,
	}
	stmt, args := buildBatchSQL(q, pgQuote, "$1")
	testutil.Equal(t, `SELECT "a", "b" FROM "events" ORDER BY "a", "b" LIMIT 100 OFFSET 300`, stmt)
	testutil.Equal(t, 0, len(args))
}

func TestBuildBatchSQLNoPrimaryKey(t *testing.T) {
	q := BatchQuery{Table: "t", Columns: []string{"x"}, Limit: 10}
	stmt, _ := buildBatchSQL(q, pgQuote, "$1")
	testutil.True(t, strings.Contains(stmt, "ORDER BY 1"))
}

func TestBuildInsertSQL(t *testing.T) {
	rows := [][]any{{int64(1), "a"}, {int64(2), "b"}}
	stmt, args := buildInsertSQL("m_users", []string{"id", "name"}, rows)
	testutil.Equal(t,
		`INSERT INTO "m_users" ("id", "name") VALUES ($1, $2), ($3, $4) ON CONFLICT DO NOTHING`,
		stmt)
	testutil.Equal(t, 4, len(args))
	testutil.Equal(t, "b", args[3].(string))
}

func TestPrepareValue(t *testing.T) {
	// Array and JSON kinds land in jsonb, serialized.
	testutil.Equal(t, "[1,2,3]", prepareValue([]int32{1, 2, 3}, analyzer.KindArray, "postgres").(string))
	testutil.Equal(t, `{"a":1}`, prepareValue([]byte(`{"a":1}`), analyzer.KindJSON, "mysql").(string))

	// SQLite stores booleans as integers.
	testutil.Equal(t, true, prepareValue(int64(1), analyzer.KindBoolean, "sqlite").(bool))
	testutil.Equal(t, false, prepareValue(int64(0), analyzer.KindBoolean, "sqlite").(bool))

	// database/sql drivers hand text back as []byte.
	testutil.Equal(t, "hello", prepareValue([]byte("hello"), analyzer.KindText, "mysql").(string))

	// Binary stays binary, and postgres values pass through untouched.
	testutil.Equal(t, 3, len(prepareValue([]byte{1, 2, 3}, analyzer.KindBinary, "mysql").([]byte)))
	testutil.Equal(t, int64(7), prepareValue(int64(7), analyzer.KindIntegerBig, "postgres").(int64))

	// Textual timestamps normalize to time.Time.
	ts := prepareValue("2024-05-01 12:00:00", analyzer.KindTimestamp, "sqlite").(time.Time)
	testutil.Equal(t, 2024, ts.Year())
	testutil.Equal(t, 12, ts.Hour())

	testutil.Nil(t, prepareValue(nil, analyzer.KindText, "postgres"))
}
