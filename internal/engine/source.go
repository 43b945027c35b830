package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchQuery asks a source for one PK-ordered slice of a table.
// When KeyColumn is set and AfterKey is non-nil the read is keyset
// paginated; otherwise it falls back to OFFSET, which also covers
// composite and missing primary keys.
type BatchQuery struct {
	Table     string
	Columns   []string
	OrderBy   []string // primary key columns; empty orders by the first column
	KeyColumn string   // single-column primary key enables keyset pagination
	AfterKey  any      // exclusive lower bound
	Offset    int64
	Limit     int
}

// SourceReader streams ordered batches out of the source database.
type SourceReader interface {
	Kind() string
	CountRows(ctx context.Context, table string) (int64, error)
	ReadBatch(ctx context.Context, q BatchQuery) ([][]any, error)
}

func buildBatchSQL(q BatchQuery, quote func(string) string, placeholder string) (string, []any) {
	cols := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		cols[i] = quote(c)
	}

	var b strings.Builder
	var args []any
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), quote(q.Table))

	if q.KeyColumn != "" && q.AfterKey != nil {
		fmt.Fprintf(&b, " WHERE %s > %s", quote(q.KeyColumn), placeholder)
		args = append(args, q.AfterKey)
	}

	if len(q.OrderBy) > 0 {
		ordered := make([]string, len(q.OrderBy))
		for i, c := range q.OrderBy {
			ordered[i] = quote(c)
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(ordered, ", "))
	} else {
		b.WriteString(" ORDER BY 1")
	}

	fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	if q.AfterKey == nil && q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String(), args
}

func pgQuote(ident string) string { return fmt.Sprintf("%q", ident) }

// PGSource reads a PostgreSQL source through a pgx pool.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource { return &PGSource{pool: pool} }

func (s *PGSource) Kind() string { return "postgres" }

func (s *PGSource) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %q", table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return n, nil
}

func (s *PGSource) ReadBatch(ctx context.Context, q BatchQuery) ([][]any, error) {
	return ReadBatch(ctx, s.pool, q)
}

// ReadBatch runs a BatchQuery against any pgx connection. The validator
// re-reads the target through this with the same pagination the copy
// used, so checksums are comparable.
func ReadBatch(ctx context.Context, db DBTX, q BatchQuery) ([][]any, error) {
	stmt, args := buildBatchSQL(q, pgQuote, "$1")
	rows, err := db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("reading batch from %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scanning row from %s: %w", q.Table, err)
		}
		row := make([]any, len(vals))
		copy(row, vals)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading batch from %s: %w", q.Table, err)
	}
	return out, nil
}

// SQLSource reads a SQLite or MySQL source through database/sql.
type SQLSource struct {
	db   *sql.DB
	kind string
}

func NewSQLSource(db *sql.DB, kind string) *SQLSource {
	return &SQLSource{db: db, kind: kind}
}

func (s *SQLSource) Kind() string { return s.kind }

func (s *SQLSource) quote(ident string) string {
	if s.kind == "mysql" {
		return "`" + ident + "`"
	}
	return fmt.Sprintf("%q", ident)
}

func (s *SQLSource) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.quote(table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLSource) ReadBatch(ctx context.Context, q BatchQuery) ([][]any, error) {
	stmt, args := buildBatchSQL(q, s.quote, "?")
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("reading batch from %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(q.Columns))
		ptrs := make([]any, len(q.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row from %s: %w", q.Table, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading batch from %s: %w", q.Table, err)
	}
	return out, nil
}
