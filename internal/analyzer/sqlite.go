package analyzer

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

// SQLiteSource introspects a SQLite database file through the PRAGMA
// interface. SQLite has no sequences or stored functions, so those
// collections are always empty.
type SQLiteSource struct {
	db *sql.DB
}

func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

func (s *SQLiteSource) Kind() string { return "sqlite" }

func (s *SQLiteSource) DatabaseName(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA database_list`)
	if err != nil {
		return "", fmt.Errorf("querying database list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name, file string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "", fmt.Errorf("scanning database list: %w", err)
		}
		if name == "main" {
			if file == "" {
				return "memory", nil
			}
			base := filepath.Base(file)
			return strings.TrimSuffix(base, filepath.Ext(base)), nil
		}
	}
	return "main", rows.Err()
}

func (s *SQLiteSource) Tables(ctx context.Context) ([]TableDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
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

	var tables []TableDescriptor
	for _, name := range names {
		t, err := s.table(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("introspecting table %s: %w", name, err)
		}
		tables = append(tables, *t)
	}
	return tables, nil
}

func (s *SQLiteSource) table(ctx context.Context, name string) (*TableDescriptor, error) {
	t := &TableDescriptor{Name: name}

	colRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer colRows.Close()

	// pk position per column name; PRAGMA reports 1-based key order.
	pkPos := map[string]int{}
	for colRows.Next() {
		var cid, notNull, pk int
		var colName, declType string
		var dflt sql.NullString
		if err := colRows.Scan(&cid, &colName, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c := ColumnDescriptor{
			Name:       colName,
			NativeType: declType,
			Kind:       kindForSQLite(declType),
			Nullable:   notNull == 0,
			Default:    dflt.String,
			Ordinal:    cid + 1,
		}
		t.Columns = append(t.Columns, c)
		if pk > 0 {
			pkPos[colName] = pk
		}
	}
	if err := colRows.Err(); err != nil {
		return nil, err
	}

	t.PrimaryKey = make([]string, len(pkPos))
	for col, pos := range pkPos {
		t.PrimaryKey[pos-1] = col
	}

	fkRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name))
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys: %w", err)
	}
	defer fkRows.Close()

	// Rows arrive one per column, grouped by id. SQLite FKs are unnamed;
	// synthesize stable names so downstream DDL has something to call them.
	byID := map[int]*ForeignKey{}
	var idOrder []int
	for fkRows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("scanning foreign key: %w", err)
		}
		fk, ok := byID[id]
		if !ok {
			fk = &ForeignKey{
				Name:     fmt.Sprintf("%s_fk%d", name, id),
				RefTable: refTable,
				OnDelete: strings.ToUpper(onDelete),
			}
			byID[id] = fk
			idOrder = append(idOrder, id)
		}
		fk.Columns = append(fk.Columns, from)
		refCol := to.String
		if refCol == "" {
			refCol = from
		}
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}
	for _, id := range idOrder {
		t.ForeignKeys = append(t.ForeignKeys, *byID[id])
	}

	if err := s.indexes(ctx, t); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&t.EstimatedRows); err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}
	return t, nil
}

func (s *SQLiteSource) indexes(ctx context.Context, t *TableDescriptor) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%q)`, t.Name))
	if err != nil {
		return fmt.Errorf("querying indexes: %w", err)
	}
	defer rows.Close()

	type idxInfo struct {
		name   string
		unique bool
		origin string
	}
	var list []idxInfo
	for rows.Next() {
		var seq int
		var ii idxInfo
		var partial int
		var uniq int
		if err := rows.Scan(&seq, &ii.name, &uniq, &ii.origin, &partial); err != nil {
			return fmt.Errorf("scanning index list: %w", err)
		}
		ii.unique = uniq == 1
		list = append(list, ii)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ii := range list {
		// origin "pk" indexes duplicate the primary key.
		if ii.origin == "pk" {
			continue
		}
		cols, err := s.indexColumns(ctx, ii.name)
		if err != nil {
			return err
		}
		if ii.unique {
			t.Uniques = append(t.Uniques, UniqueConstraint{Name: ii.name, Columns: cols})
			continue
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		t.Indexes = append(t.Indexes, Index{
			Name:       ii.name,
			Definition: fmt.Sprintf("CREATE INDEX %q ON %q (%s)", ii.name, t.Name, strings.Join(quoted, ", ")),
		})
	}
	return nil
}

func (s *SQLiteSource) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%q)`, index))
	if err != nil {
		return nil, fmt.Errorf("querying index info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scanning index info: %w", err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func (s *SQLiteSource) Views(ctx context.Context) ([]ViewDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, sql FROM sqlite_master
		WHERE type = 'view'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying views: %w", err)
	}
	defer rows.Close()

	var views []ViewDescriptor
	for rows.Next() {
		var v ViewDescriptor
		var raw sql.NullString
		if err := rows.Scan(&v.Name, &raw); err != nil {
			return nil, fmt.Errorf("scanning view: %w", err)
		}
		// sqlite_master stores the full CREATE VIEW statement; keep only
		// the defining query so all adapters agree on the field's shape.
		def := raw.String
		if i := strings.Index(strings.ToUpper(def), " AS "); i >= 0 {
			def = strings.TrimSpace(def[i+4:])
		}
		v.Definition = def
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *SQLiteSource) Sequences(context.Context) ([]SequenceDescriptor, error) {
	return nil, nil
}

func (s *SQLiteSource) Functions(context.Context) ([]FunctionDescriptor, error) {
	return nil, nil
}
