package analyzer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MySQLSource introspects the current MySQL schema through
// INFORMATION_SCHEMA. MySQL sequences are modeled as AUTO_INCREMENT
// columns, so the sequence collection is always empty.
type MySQLSource struct {
	db *sql.DB
}

func NewMySQLSource(db *sql.DB) *MySQLSource {
	return &MySQLSource{db: db}
}

func (s *MySQLSource) Kind() string { return "mysql" }

func (s *MySQLSource) DatabaseName(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&name)
	return name, err
}

func (s *MySQLSource) Tables(ctx context.Context) ([]TableDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME, COALESCE(TABLE_ROWS, 0), COALESCE(DATA_LENGTH + INDEX_LENGTH, 0)
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	defer rows.Close()

	var tables []TableDescriptor
	for rows.Next() {
		var t TableDescriptor
		if err := rows.Scan(&t.Name, &t.EstimatedRows, &t.EstimatedBytes); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		if strings.HasPrefix(t.Name, internalTablePrefix) {
			continue
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tables {
		if err := s.fill(ctx, &tables[i]); err != nil {
			return nil, fmt.Errorf("introspecting table %s: %w", tables[i].Name, err)
		}
	}
	return tables, nil
}

func (s *MySQLSource) fill(ctx context.Context, t *TableDescriptor) error {
	colRows, err := s.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE,
		       COALESCE(COLUMN_DEFAULT, ''), ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, t.Name)
	if err != nil {
		return fmt.Errorf("querying columns: %w", err)
	}
	defer colRows.Close()

	for colRows.Next() {
		var c ColumnDescriptor
		var dataType, columnType, nullable string
		if err := colRows.Scan(&c.Name, &dataType, &columnType, &nullable, &c.Default, &c.Ordinal); err != nil {
			return fmt.Errorf("scanning column: %w", err)
		}
		c.Nullable = nullable == "YES"
		c.Kind = kindForMySQL(dataType)
		// COLUMN_TYPE keeps widths and enum labels, e.g. enum('a','b').
		c.NativeType = columnType
		if dataType == "tinyint" && strings.HasPrefix(columnType, "tinyint(1)") {
			c.Kind = KindBoolean
		}
		t.Columns = append(t.Columns, c)
	}
	if err := colRows.Err(); err != nil {
		return err
	}

	keyRows, err := s.db.QueryContext(ctx, `
		SELECT CONSTRAINT_NAME, COLUMN_NAME,
		       COALESCE(REFERENCED_TABLE_NAME, ''), COALESCE(REFERENCED_COLUMN_NAME, '')
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`, t.Name)
	if err != nil {
		return fmt.Errorf("querying key usage: %w", err)
	}
	defer keyRows.Close()

	fkByName := map[string]*ForeignKey{}
	var fkOrder []string
	for keyRows.Next() {
		var cname, col, refTable, refCol string
		if err := keyRows.Scan(&cname, &col, &refTable, &refCol); err != nil {
			return fmt.Errorf("scanning key usage: %w", err)
		}
		switch {
		case cname == "PRIMARY":
			t.PrimaryKey = append(t.PrimaryKey, col)
		case refTable != "":
			fk, ok := fkByName[cname]
			if !ok {
				fk = &ForeignKey{Name: cname, RefTable: refTable}
				fkByName[cname] = fk
				fkOrder = append(fkOrder, cname)
			}
			fk.Columns = append(fk.Columns, col)
			fk.RefColumns = append(fk.RefColumns, refCol)
		}
	}
	if err := keyRows.Err(); err != nil {
		return err
	}
	for _, cname := range fkOrder {
		t.ForeignKeys = append(t.ForeignKeys, *fkByName[cname])
	}

	return s.statistics(ctx, t, fkByName)
}

// statistics reads INFORMATION_SCHEMA.STATISTICS for unique constraints
// and secondary indexes, skipping the primary key and FK-backing entries.
func (s *MySQLSource) statistics(ctx context.Context, t *TableDescriptor, fks map[string]*ForeignKey) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, t.Name)
	if err != nil {
		return fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	type entry struct {
		unique bool
		cols   []string
	}
	byName := map[string]*entry{}
	var order []string
	for rows.Next() {
		var name, col string
		var nonUnique int
		if err := rows.Scan(&name, &nonUnique, &col); err != nil {
			return fmt.Errorf("scanning statistics: %w", err)
		}
		if name == "PRIMARY" {
			continue
		}
		e, ok := byName[name]
		if !ok {
			e = &entry{unique: nonUnique == 0}
			byName[name] = e
			order = append(order, name)
		}
		e.cols = append(e.cols, col)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range order {
		if _, isFK := fks[name]; isFK {
			continue
		}
		e := byName[name]
		if e.unique {
			t.Uniques = append(t.Uniques, UniqueConstraint{Name: name, Columns: e.cols})
			continue
		}
		quoted := make([]string, len(e.cols))
		for i, c := range e.cols {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		t.Indexes = append(t.Indexes, Index{
			Name:       name,
			Definition: fmt.Sprintf("CREATE INDEX %q ON %q (%s)", name, t.Name, strings.Join(quoted, ", ")),
		})
	}
	return nil
}

func (s *MySQLSource) Views(ctx context.Context) ([]ViewDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME, VIEW_DEFINITION
		FROM INFORMATION_SCHEMA.VIEWS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME`)
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

func (s *MySQLSource) Sequences(context.Context) ([]SequenceDescriptor, error) {
	return nil, nil
}

func (s *MySQLSource) Functions(ctx context.Context) ([]FunctionDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ROUTINE_NAME, COALESCE(ROUTINE_DEFINITION, '')
		FROM INFORMATION_SCHEMA.ROUTINES
		WHERE ROUTINE_SCHEMA = DATABASE() AND ROUTINE_TYPE = 'FUNCTION'
		ORDER BY ROUTINE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("querying routines: %w", err)
	}
	defer rows.Close()

	var funcs []FunctionDescriptor
	for rows.Next() {
		var f FunctionDescriptor
		if err := rows.Scan(&f.Name, &f.Definition); err != nil {
			return nil, fmt.Errorf("scanning routine: %w", err)
		}
		funcs = append(funcs, f)
	}
	return funcs, rows.Err()
}
