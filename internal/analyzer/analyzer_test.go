package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shiftdb/shift/internal/testutil"
)

// fakeSource returns canned descriptors, deliberately unsorted to prove
// the analyzer normalizes ordering itself.
type fakeSource struct {
	tables    []TableDescriptor
	views     []ViewDescriptor
	viewsErr  error
	tablesErr error
}

func (f *fakeSource) Kind() string                                 { return "postgres" }
func (f *fakeSource) DatabaseName(context.Context) (string, error) { return "appdb", nil }
func (f *fakeSource) Tables(context.Context) ([]TableDescriptor, error) {
	if f.tablesErr != nil {
		return nil, f.tablesErr
	}
	out := make([]TableDescriptor, len(f.tables))
	copy(out, f.tables)
	return out, nil
}
func (f *fakeSource) Views(context.Context) ([]ViewDescriptor, error) {
	return f.views, f.viewsErr
}
func (f *fakeSource) Sequences(context.Context) ([]SequenceDescriptor, error) { return nil, nil }
func (f *fakeSource) Functions(context.Context) ([]FunctionDescriptor, error) { return nil, nil }

func chainSource() *fakeSource {
	return &fakeSource{
		tables: []TableDescriptor{
			{
				Name: "orders",
				Columns: []ColumnDescriptor{
					{Name: "id", NativeType: "bigint", Kind: KindIntegerBig, Ordinal: 1},
					{Name: "user_id", NativeType: "bigint", Kind: KindIntegerBig, Ordinal: 2},
				},
				PrimaryKey: []string{"id"},
				ForeignKeys: []ForeignKey{
					{Name: "orders_user_id_fkey", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
				},
				EstimatedRows: 50,
			},
			{
				Name: "users",
				Columns: []ColumnDescriptor{
					{Name: "email", NativeType: "text", Kind: KindText, Ordinal: 2},
					{Name: "id", NativeType: "bigint", Kind: KindIntegerBig, Ordinal: 1},
				},
				PrimaryKey:    []string{"id"},
				EstimatedRows: 10,
			},
		},
	}
}

func TestAnalyzeSortsDeterministically(t *testing.T) {
	ctx := context.Background()
	logger := testutil.DiscardLogger()

	first, err := Analyze(ctx, chainSource(), logger)
	testutil.NoError(t, err)
	second, err := Analyze(ctx, chainSource(), logger)
	testutil.NoError(t, err)

	testutil.Equal(t, "orders", first.Tables[0].Name)
	testutil.Equal(t, "users", first.Tables[1].Name)
	testutil.Equal(t, "id", first.Tables[1].Columns[0].Name)

	// Byte-identical apart from snapshot id and timestamp.
	first.SnapshotID, second.SnapshotID = "", ""
	first.TakenAt = second.TakenAt
	a, err := json.Marshal(first)
	testutil.NoError(t, err)
	b, err := json.Marshal(second)
	testutil.NoError(t, err)
	testutil.Equal(t, string(a), string(b))
}

func TestAnalyzeRejectsUnresolvedForeignKey(t *testing.T) {
	src := chainSource()
	src.tables[0].ForeignKeys[0].RefTable = "accounts"

	_, err := Analyze(context.Background(), src, testutil.DiscardLogger())
	testutil.True(t, errors.Is(err, ErrUnresolvedReference))
	testutil.ErrorContains(t, err, "accounts")
}

func TestAnalyzePartialKeepsSnapshot(t *testing.T) {
	src := chainSource()
	src.viewsErr = errors.New("permission denied for view order_totals")

	snap, err := Analyze(context.Background(), src, testutil.DiscardLogger())
	testutil.True(t, IsPartial(err))
	testutil.NotNil(t, snap)
	testutil.Equal(t, 2, len(snap.Tables))
	testutil.Equal(t, 1, len(snap.Warnings))
	testutil.True(t, len(snap.Warnings[0]) > 0)
}

func TestAnalyzeWarnsOnRawTypes(t *testing.T) {
	src := chainSource()
	src.tables[1].Columns = append(src.tables[1].Columns,
		ColumnDescriptor{Name: "geom", NativeType: "geometry", Kind: KindRaw, Ordinal: 3})

	snap, err := Analyze(context.Background(), src, testutil.DiscardLogger())
	testutil.NoError(t, err)
	testutil.Equal(t, 1, len(snap.Warnings))
	testutil.True(t, strings.Contains(snap.Warnings[0], "users.geom"))
}

func TestAnalyzeClassifiesTableFailure(t *testing.T) {
	src := chainSource()
	src.tablesErr = errors.New("connection refused")

	_, err := Analyze(context.Background(), src, testutil.DiscardLogger())
	var ae *AnalysisError
	testutil.True(t, errors.As(err, &ae))
	testutil.Equal(t, ErrorConnection, ae.Kind)
}
