// Package analyzer introspects a source database into an immutable
// SchemaSnapshot: tables, columns, constraints, indexes, views, sequences,
// and functions, with native column types resolved to a portable taxonomy.
package analyzer

import "time"

// TypeKind is the portable type taxonomy. Unknown native types map to
// KindRaw with the original type name preserved, never to a failure.
type TypeKind string

const (
	KindIntegerSmall TypeKind = "integer_small"
	KindInteger      TypeKind = "integer"
	KindIntegerBig   TypeKind = "integer_big"
	KindDecimal      TypeKind = "decimal"
	KindText         TypeKind = "text"
	KindBinary       TypeKind = "binary"
	KindBoolean      TypeKind = "boolean"
	KindTimestamp    TypeKind = "timestamp"
	KindTimestampTZ  TypeKind = "timestamptz"
	KindUUID         TypeKind = "uuid"
	KindJSON         TypeKind = "json"
	KindArray        TypeKind = "array"
	KindEnum         TypeKind = "enum"
	KindVector       TypeKind = "vector"
	KindRaw          TypeKind = "raw"
)

// Snapshot is an immutable description of the source schema at analysis
// time. Tables are sorted lexicographically by name and columns by ordinal
// so that two analyses of the same schema are byte-identical apart from
// SnapshotID and TakenAt.
type Snapshot struct {
	SnapshotID string               `json:"snapshot_id"`
	SourceKind string               `json:"source_kind"`
	Database   string               `json:"database"`
	TakenAt    time.Time            `json:"taken_at"`
	Tables     []TableDescriptor    `json:"tables"`
	Views      []ViewDescriptor     `json:"views,omitempty"`
	Sequences  []SequenceDescriptor `json:"sequences,omitempty"`
	Functions  []FunctionDescriptor `json:"functions,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// Table returns the descriptor for name, or nil if absent.
func (s *Snapshot) Table(name string) *TableDescriptor {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TotalEstimatedRows sums the per-table row estimates.
func (s *Snapshot) TotalEstimatedRows() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.EstimatedRows
	}
	return n
}

// TableDescriptor describes one source table.
type TableDescriptor struct {
	Name           string             `json:"name"`
	Columns        []ColumnDescriptor `json:"columns"`
	PrimaryKey     []string           `json:"primary_key,omitempty"`
	ForeignKeys    []ForeignKey       `json:"foreign_keys,omitempty"`
	Uniques        []UniqueConstraint `json:"uniques,omitempty"`
	Checks         []CheckConstraint  `json:"checks,omitempty"`
	Indexes        []Index            `json:"indexes,omitempty"`
	EstimatedRows  int64              `json:"estimated_rows"`
	EstimatedBytes int64              `json:"estimated_bytes"`
}

// Column returns the descriptor for name, or nil if absent.
func (t *TableDescriptor) Column(name string) *ColumnDescriptor {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnDescriptor describes one column. NativeType is the source engine's
// spelling; Kind is the portable classification used for target mapping.
type ColumnDescriptor struct {
	Name       string   `json:"name"`
	NativeType string   `json:"native_type"`
	Kind       TypeKind `json:"kind"`
	Nullable   bool     `json:"nullable"`
	Default    string   `json:"default,omitempty"`
	Ordinal    int      `json:"ordinal"`
}

// ForeignKey describes a foreign key constraint. Columns and RefColumns
// are parallel slices in key order.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnDelete   string   `json:"on_delete,omitempty"`
}

// UniqueConstraint describes a unique constraint or unique index.
type UniqueConstraint struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// CheckConstraint describes a check constraint with its raw expression.
type CheckConstraint struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Index describes a non-PK, non-unique-constraint index.
type Index struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// ViewDescriptor describes a view by its defining query.
type ViewDescriptor struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// SequenceDescriptor describes a sequence owned by a table column.
type SequenceDescriptor struct {
	Name       string `json:"name"`
	TableName  string `json:"table_name,omitempty"`
	ColumnName string `json:"column_name,omitempty"`
}

// FunctionDescriptor describes a user-defined function.
type FunctionDescriptor struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}
