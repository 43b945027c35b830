package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// internalTablePrefix marks engine bookkeeping tables, skipped when the
// source happens to be a previous migration target.
const internalTablePrefix = "_shift_"

// PostgresSource introspects the public schema of a PostgreSQL database.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) Kind() string { return "postgres" }

func (s *PostgresSource) DatabaseName(ctx context.Context) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT current_database()`).Scan(&name)
	return name, err
}

func (s *PostgresSource) Tables(ctx context.Context) ([]TableDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		if strings.HasPrefix(name, internalTablePrefix) {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	enums, err := s.enumTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying enum types: %w", err)
	}

	tables := make([]TableDescriptor, 0, len(names))
	for _, name := range names {
		t, err := s.table(ctx, name, enums)
		if err != nil {
			return nil, fmt.Errorf("introspecting table %s: %w", name, err)
		}
		tables = append(tables, *t)
	}
	return tables, nil
}

func (s *PostgresSource) table(ctx context.Context, name string, enums map[string]bool) (*TableDescriptor, error) {
	t := &TableDescriptor{Name: name}

	colRows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, udt_name, is_nullable,
		       COALESCE(column_default, ''), ordinal_position
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer colRows.Close()

	for colRows.Next() {
		var c ColumnDescriptor
		var dataType, udtName, nullable string
		if err := colRows.Scan(&c.Name, &dataType, &udtName, &nullable, &c.Default, &c.Ordinal); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c.Nullable = nullable == "YES"
		c.Kind = kindForPostgres(dataType, udtName, enums)
		if dataType == "USER-DEFINED" || dataType == "ARRAY" {
			c.NativeType = udtName
		} else {
			c.NativeType = dataType
		}
		t.Columns = append(t.Columns, c)
	}
	if err := colRows.Err(); err != nil {
		return nil, err
	}

	pkRows, err := s.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, "public."+name)
	if err != nil {
		return nil, fmt.Errorf("querying primary key: %w", err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scanning primary key: %w", err)
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, err
	}

	if err := s.constraints(ctx, t); err != nil {
		return nil, err
	}
	if err := s.indexes(ctx, t); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT GREATEST(c.reltuples::bigint, 0), pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = 'public' AND c.relname = $1`, name).
		Scan(&t.EstimatedRows, &t.EstimatedBytes)
	if err != nil {
		return nil, fmt.Errorf("querying size estimates: %w", err)
	}
	// reltuples is -1 on never-analyzed tables; count small ones exactly.
	if t.EstimatedRows == 0 {
		err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&t.EstimatedRows)
		if err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}
	return t, nil
}

// constraints loads foreign key, unique, and check constraints. Key
// columns arrive one row per column and are grouped by constraint name.
// Foreign keys come from pg_constraint, where unnesting conkey and
// confkey together keeps referencing and referenced columns paired by
// position; information_schema.constraint_column_usage loses that
// pairing and cross-products composite keys.
func (s *PostgresSource) constraints(ctx context.Context, t *TableDescriptor) error {
	fkRows, err := s.pool.Query(ctx, `
		SELECT con.conname, att.attname, refcls.relname, refatt.attname,
		       CASE con.confdeltype
		         WHEN 'r' THEN 'RESTRICT'
		         WHEN 'c' THEN 'CASCADE'
		         WHEN 'n' THEN 'SET NULL'
		         WHEN 'd' THEN 'SET DEFAULT'
		         ELSE 'NO ACTION'
		       END
		FROM pg_constraint con
		JOIN pg_class cls ON con.conrelid = cls.oid
		JOIN pg_namespace n ON cls.relnamespace = n.oid
		JOIN pg_class refcls ON con.confrelid = refcls.oid
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey)
		  WITH ORDINALITY AS k(attnum, refattnum, ord)
		JOIN pg_attribute att
		  ON att.attrelid = con.conrelid AND att.attnum = k.attnum
		JOIN pg_attribute refatt
		  ON refatt.attrelid = con.confrelid AND refatt.attnum = k.refattnum
		WHERE n.nspname = 'public' AND cls.relname = $1 AND con.contype = 'f'
		ORDER BY con.conname, k.ord`, t.Name)
	if err != nil {
		return fmt.Errorf("querying foreign keys: %w", err)
	}
	defer fkRows.Close()

	byName := map[string]*ForeignKey{}
	var fkOrder []string
	for fkRows.Next() {
		var cname, col, refTable, refCol, onDelete string
		if err := fkRows.Scan(&cname, &col, &refTable, &refCol, &onDelete); err != nil {
			return fmt.Errorf("scanning foreign key: %w", err)
		}
		fk, ok := byName[cname]
		if !ok {
			fk = &ForeignKey{Name: cname, RefTable: refTable, OnDelete: onDelete}
			byName[cname] = fk
			fkOrder = append(fkOrder, cname)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := fkRows.Err(); err != nil {
		return err
	}
	for _, cname := range fkOrder {
		t.ForeignKeys = append(t.ForeignKeys, *byName[cname])
	}

	uqRows, err := s.pool.Query(ctx, `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = 'public' AND tc.table_name = $1
		  AND tc.constraint_type = 'UNIQUE'
		ORDER BY tc.constraint_name, kcu.ordinal_position`, t.Name)
	if err != nil {
		return fmt.Errorf("querying unique constraints: %w", err)
	}
	defer uqRows.Close()

	uqByName := map[string]*UniqueConstraint{}
	var uqOrder []string
	for uqRows.Next() {
		var cname, col string
		if err := uqRows.Scan(&cname, &col); err != nil {
			return fmt.Errorf("scanning unique constraint: %w", err)
		}
		uq, ok := uqByName[cname]
		if !ok {
			uq = &UniqueConstraint{Name: cname}
			uqByName[cname] = uq
			uqOrder = append(uqOrder, cname)
		}
		uq.Columns = append(uq.Columns, col)
	}
	if err := uqRows.Err(); err != nil {
		return err
	}
	for _, cname := range uqOrder {
		t.Uniques = append(t.Uniques, *uqByName[cname])
	}

	ckRows, err := s.pool.Query(ctx, `
		SELECT con.conname, pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class c ON con.conrelid = c.oid
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = 'public' AND c.relname = $1 AND con.contype = 'c'
		ORDER BY con.conname`, t.Name)
	if err != nil {
		return fmt.Errorf("querying check constraints: %w", err)
	}
	defer ckRows.Close()
	for ckRows.Next() {
		var ck CheckConstraint
		if err := ckRows.Scan(&ck.Name, &ck.Expression); err != nil {
			return fmt.Errorf("scanning check constraint: %w", err)
		}
		t.Checks = append(t.Checks, ck)
	}
	return ckRows.Err()
}

// indexes loads secondary indexes, skipping those backing the primary key
// or a unique constraint already captured above.
func (s *PostgresSource) indexes(ctx context.Context, t *TableDescriptor) error {
	backing := map[string]bool{}
	for _, u := range t.Uniques {
		backing[u.Name] = true
	}

	rows, err := s.pool.Query(ctx, `
		SELECT i.indexname, i.indexdef
		FROM pg_indexes i
		JOIN pg_class c ON c.relname = i.indexname
		JOIN pg_index ix ON ix.indexrelid = c.oid
		WHERE i.schemaname = 'public' AND i.tablename = $1 AND NOT ix.indisprimary
		ORDER BY i.indexname`, t.Name)
	if err != nil {
		return fmt.Errorf("querying indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
			return fmt.Errorf("scanning index: %w", err)
		}
		if backing[idx.Name] {
			continue
		}
		t.Indexes = append(t.Indexes, idx)
	}
	return rows.Err()
}

func (s *PostgresSource) enumTypes(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.typname
		FROM pg_type t
		JOIN pg_namespace n ON t.typnamespace = n.oid
		WHERE t.typtype = 'e' AND n.nspname = 'public'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enums := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		enums[name] = true
	}
	return enums, rows.Err()
}

func (s *PostgresSource) Views(ctx context.Context) ([]ViewDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT viewname, definition
		FROM pg_views
		WHERE schemaname = 'public'
		ORDER BY viewname`)
	if err != nil {
		return nil, fmt.Errorf("querying views: %w", err)
	}
	defer rows.Close()

	var views []ViewDescriptor
	for rows.Next() {
		var v ViewDescriptor
		if err := rows.Scan(&v.Name, &v.Definition); err != nil {
			return nil, fmt.Errorf("scanning view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *PostgresSource) Sequences(ctx context.Context) ([]SequenceDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.relname, t.relname, a.attname
		FROM pg_class s
		JOIN pg_depend d ON d.objid = s.oid
		JOIN pg_class t ON d.refobjid = t.oid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
		JOIN pg_namespace n ON s.relnamespace = n.oid
		WHERE s.relkind = 'S' AND n.nspname = 'public'
		ORDER BY s.relname`)
	if err != nil {
		return nil, fmt.Errorf("querying sequences: %w", err)
	}
	defer rows.Close()

	var seqs []SequenceDescriptor
	for rows.Next() {
		var sd SequenceDescriptor
		if err := rows.Scan(&sd.Name, &sd.TableName, &sd.ColumnName); err != nil {
			return nil, fmt.Errorf("scanning sequence: %w", err)
		}
		seqs = append(seqs, sd)
	}
	return seqs, rows.Err()
}

func (s *PostgresSource) Functions(ctx context.Context) ([]FunctionDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.proname, pg_get_functiondef(p.oid)
		FROM pg_proc p
		JOIN pg_namespace n ON p.pronamespace = n.oid
		WHERE n.nspname = 'public' AND p.prokind = 'f'
		ORDER BY p.proname`)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer rows.Close()

	var funcs []FunctionDescriptor
	for rows.Next() {
		var f FunctionDescriptor
		if err := rows.Scan(&f.Name, &f.Definition); err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		funcs = append(funcs, f)
	}
	return funcs, rows.Err()
}
