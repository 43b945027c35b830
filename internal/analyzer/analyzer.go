package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Source reads catalog information from one database engine. Adapters
// normalize into the shared descriptor types; ordering is the analyzer's
// job, so adapters may return objects in any order.
type Source interface {
	Kind() string
	DatabaseName(ctx context.Context) (string, error)
	Tables(ctx context.Context) ([]TableDescriptor, error)
	Views(ctx context.Context) ([]ViewDescriptor, error)
	Sequences(ctx context.Context) ([]SequenceDescriptor, error)
	Functions(ctx context.Context) ([]FunctionDescriptor, error)
}

// ErrUnresolvedReference reports a foreign key whose referenced table is
// missing from the snapshot. The snapshot cannot be planned against.
var ErrUnresolvedReference = errors.New("foreign key references table absent from snapshot")

// Analyze introspects src into a Snapshot with deterministic ordering.
//
// Table introspection failures are fatal and classified as CONNECTION or
// PERMISSION. Failures on secondary objects (views, sequences, functions)
// produce a snapshot plus an AnalysisError of kind PARTIAL; callers decide
// whether to proceed. Check IsPartial before discarding the snapshot.
func Analyze(ctx context.Context, src Source, logger *slog.Logger) (*Snapshot, error) {
	dbName, err := src.DatabaseName(ctx)
	if err != nil {
		return nil, classify("resolving database name", err)
	}

	tables, err := src.Tables(ctx)
	if err != nil {
		return nil, classify("introspecting tables", err)
	}

	snap := &Snapshot{
		SnapshotID: uuid.NewString(),
		SourceKind: src.Kind(),
		Database:   dbName,
		TakenAt:    time.Now().UTC(),
		Tables:     tables,
	}

	partial := false
	if views, err := src.Views(ctx); err != nil {
		partial = true
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("views not introspected: %v", err))
	} else {
		snap.Views = views
	}
	if seqs, err := src.Sequences(ctx); err != nil {
		partial = true
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("sequences not introspected: %v", err))
	} else {
		snap.Sequences = seqs
	}
	if funcs, err := src.Functions(ctx); err != nil {
		partial = true
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("functions not introspected: %v", err))
	} else {
		snap.Functions = funcs
	}

	normalize(snap)

	if err := checkReferences(snap); err != nil {
		return nil, err
	}

	logger.Info("analysis complete",
		"snapshot_id", snap.SnapshotID,
		"source_kind", snap.SourceKind,
		"tables", len(snap.Tables),
		"warnings", len(snap.Warnings),
	)

	if partial {
		return snap, &AnalysisError{Kind: ErrorPartial, Msg: "some objects could not be introspected"}
	}
	return snap, nil
}

// normalize sorts every collection and records warnings for columns that
// fell through to the raw type. Downstream diffing depends on two analyses
// of the same schema producing identical documents.
func normalize(snap *Snapshot) {
	sort.Slice(snap.Tables, func(i, j int) bool { return snap.Tables[i].Name < snap.Tables[j].Name })
	for ti := range snap.Tables {
		t := &snap.Tables[ti]
		sort.Slice(t.Columns, func(i, j int) bool { return t.Columns[i].Ordinal < t.Columns[j].Ordinal })
		sort.Slice(t.ForeignKeys, func(i, j int) bool { return t.ForeignKeys[i].Name < t.ForeignKeys[j].Name })
		sort.Slice(t.Uniques, func(i, j int) bool { return t.Uniques[i].Name < t.Uniques[j].Name })
		sort.Slice(t.Checks, func(i, j int) bool { return t.Checks[i].Name < t.Checks[j].Name })
		sort.Slice(t.Indexes, func(i, j int) bool { return t.Indexes[i].Name < t.Indexes[j].Name })

		for _, c := range t.Columns {
			if c.Kind == KindRaw {
				snap.Warnings = append(snap.Warnings,
					fmt.Sprintf("column %s.%s has unmapped type %q, carried as raw", t.Name, c.Name, c.NativeType))
			}
		}
	}
	sort.Slice(snap.Views, func(i, j int) bool { return snap.Views[i].Name < snap.Views[j].Name })
	sort.Slice(snap.Sequences, func(i, j int) bool { return snap.Sequences[i].Name < snap.Sequences[j].Name })
	sort.Slice(snap.Functions, func(i, j int) bool { return snap.Functions[i].Name < snap.Functions[j].Name })
	sort.Strings(snap.Warnings)
}

// checkReferences enforces the snapshot invariant that every foreign key
// resolves to a table present in the snapshot.
func checkReferences(snap *Snapshot) error {
	names := make(map[string]bool, len(snap.Tables))
	for _, t := range snap.Tables {
		names[t.Name] = true
	}
	for _, t := range snap.Tables {
		for _, fk := range t.ForeignKeys {
			if !names[fk.RefTable] {
				return fmt.Errorf("table %s constraint %s references %s: %w",
					t.Name, fk.Name, fk.RefTable, ErrUnresolvedReference)
			}
		}
	}
	return nil
}
