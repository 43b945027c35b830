package plan

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/testutil"
)

func chainSnapshot() *analyzer.Snapshot {
	col := func(name string, kind analyzer.TypeKind, ord int) analyzer.ColumnDescriptor {
		return analyzer.ColumnDescriptor{Name: name, NativeType: string(kind), Kind: kind, Ordinal: ord}
	}
	return &analyzer.Snapshot{
		SnapshotID: "snap-1",
		SourceKind: "postgres",
		Database:   "appdb",
		Tables: []analyzer.TableDescriptor{
			{
				Name:       "items",
				Columns:    []analyzer.ColumnDescriptor{col("id", analyzer.KindIntegerBig, 1), col("order_id", analyzer.KindIntegerBig, 2)},
				PrimaryKey: []string{"id"},
				ForeignKeys: []analyzer.ForeignKey{{
					Name: "items_order_id_fkey", Columns: []string{"order_id"},
					RefTable: "orders", RefColumns: []string{"id"},
				}},
				EstimatedRows: 1000,
			},
			{
				Name:       "orders",
				Columns:    []analyzer.ColumnDescriptor{col("id", analyzer.KindIntegerBig, 1), col("user_id", analyzer.KindIntegerBig, 2)},
				PrimaryKey: []string{"id"},
				ForeignKeys: []analyzer.ForeignKey{{
					Name: "orders_user_id_fkey", Columns: []string{"user_id"},
					RefTable: "users", RefColumns: []string{"id"},
				}},
				EstimatedRows: 500,
			},
			{
				Name:          "users",
				Columns:       []analyzer.ColumnDescriptor{col("id", analyzer.KindIntegerBig, 1), col("email", analyzer.KindText, 2)},
				PrimaryKey:    []string{"id"},
				EstimatedRows: 100,
			},
		},
	}
}

func cycleSnapshot() *analyzer.Snapshot {
	return &analyzer.Snapshot{
		SnapshotID: "snap-2",
		SourceKind: "postgres",
		Tables: []analyzer.TableDescriptor{
			{
				Name:        "a",
				Columns:     []analyzer.ColumnDescriptor{{Name: "id", Kind: analyzer.KindIntegerBig, Ordinal: 1}, {Name: "b_id", Kind: analyzer.KindIntegerBig, Nullable: true, Ordinal: 2}},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []analyzer.ForeignKey{{Name: "a_b_id_fkey", Columns: []string{"b_id"}, RefTable: "b", RefColumns: []string{"id"}}},
			},
			{
				Name:        "b",
				Columns:     []analyzer.ColumnDescriptor{{Name: "id", Kind: analyzer.KindIntegerBig, Ordinal: 1}, {Name: "a_id", Kind: analyzer.KindIntegerBig, Nullable: true, Ordinal: 2}},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []analyzer.ForeignKey{{Name: "b_a_id_fkey", Columns: []string{"a_id"}, RefTable: "a", RefColumns: []string{"id"}}},
			},
		},
	}
}

func TestBuildOrdersJobsTopologically(t *testing.T) {
	p, err := Build(chainSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	jobs := p.DataJobs()
	testutil.Equal(t, 3, len(jobs))
	testutil.Equal(t, "users", jobs[0].SourceTable)
	testutil.Equal(t, "orders", jobs[1].SourceTable)
	testutil.Equal(t, "items", jobs[2].SourceTable)
	testutil.Equal(t, 1, jobs[0].OrderRank)
	testutil.Equal(t, 0, len(jobs[0].DependencyIDs))
	testutil.Equal(t, jobs[0].JobID, jobs[1].DependencyIDs[0])
	testutil.Equal(t, jobs[1].JobID, jobs[2].DependencyIDs[0])
}

func TestBuildCycleGroupDefersConstraints(t *testing.T) {
	p, err := Build(cycleSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	groups := p.CycleGroups()
	testutil.Equal(t, 1, len(groups))
	testutil.Equal(t, 2, len(groups[0].Tables))

	// Neither CREATE TABLE carries the cyclic FK.
	for _, spec := range p.Mapping() {
		testutil.False(t, strings.Contains(spec.CreateSQL, "FOREIGN KEY"))
	}
	deferred := p.DeferredConstraintSQL()
	testutil.Equal(t, 2, len(deferred))
	testutil.True(t, strings.Contains(deferred[0], "ALTER TABLE"))

	// Cyclic tables do not depend on each other's jobs.
	for _, job := range p.DataJobs() {
		testutil.Equal(t, 0, len(job.DependencyIDs))
	}
}

func TestBuildCycleFailOption(t *testing.T) {
	_, err := Build(cycleSnapshot(), nil, Options{CycleHandling: CycleFail})
	var pe *PlanError
	testutil.True(t, errors.As(err, &pe))
	testutil.Equal(t, KindUnresolvableCycle, pe.Kind)
}

func TestBuildRollbackDropsConstraintsBeforeTables(t *testing.T) {
	p, err := Build(cycleSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	var lastConstraint, firstTable int
	for i, step := range p.RollbackSteps() {
		switch step.Kind {
		case "drop_constraint":
			lastConstraint = i
		case "drop_table":
			if firstTable == 0 {
				firstTable = i
			}
		}
	}
	testutil.True(t, lastConstraint < firstTable)
}

func TestBuildRollbackReversesJobOrder(t *testing.T) {
	p, err := Build(chainSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	var clears []string
	for _, step := range p.RollbackSteps() {
		if step.Kind == "clear_rows" {
			clears = append(clears, step.SQL)
		}
	}
	testutil.Equal(t, 3, len(clears))
	testutil.True(t, strings.Contains(clears[0], "items"))
	testutil.True(t, strings.Contains(clears[2], "users"))
}

func TestFingerprintStableAcrossReplans(t *testing.T) {
	snap := chainSnapshot()
	pols := []policy.AccessPolicy{{Name: "users_access", Table: "users", Operation: policy.OpAll,
		SubjectRoles: []string{"admin"}, UsingExpression: "current_setting('shift.role', true) = 'admin'"}}

	first, err := Build(snap, pols, Options{BatchSize: 500})
	testutil.NoError(t, err)
	second, err := Build(snap, pols, Options{BatchSize: 500})
	testutil.NoError(t, err)

	testutil.NotEqual(t, first.PlanID(), second.PlanID())
	testutil.Equal(t, first.Fingerprint(), second.Fingerprint())

	third, err := Build(snap, pols, Options{BatchSize: 250})
	testutil.NoError(t, err)
	testutil.NotEqual(t, first.Fingerprint(), third.Fingerprint())
}

func TestPlanSurvivesJSONRoundTrip(t *testing.T) {
	first, err := Build(chainSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	raw, err := json.Marshal(first)
	testutil.NoError(t, err)

	var restored MigrationPlan
	testutil.NoError(t, json.Unmarshal(raw, &restored))
	testutil.Equal(t, first.PlanID(), restored.PlanID())
	testutil.Equal(t, first.Fingerprint(), restored.Fingerprint())
	testutil.Equal(t, len(first.DataJobs()), len(restored.DataJobs()))
}

func TestVectorOption(t *testing.T) {
	snap := chainSnapshot()
	snap.Tables[2].Columns = append(snap.Tables[2].Columns,
		analyzer.ColumnDescriptor{Name: "embedding", NativeType: "_float4", Kind: analyzer.KindArray, Nullable: true, Ordinal: 3})

	p, err := Build(snap, nil, Options{VectorDimensions: map[string]int{"users.embedding": 768}})
	testutil.NoError(t, err)

	spec := p.SpecFor("users")
	testutil.NotNil(t, spec)
	testutil.True(t, strings.Contains(spec.CreateSQL, "vector(768)"))
}

func TestVectorOptionRejectsScalarColumn(t *testing.T) {
	_, err := Build(chainSnapshot(), nil, Options{VectorDimensions: map[string]int{"users.email": 3}})
	var pe *PlanError
	testutil.True(t, errors.As(err, &pe))
	testutil.Equal(t, KindOptionConflict, pe.Kind)
}

func TestRenameConflict(t *testing.T) {
	_, err := Build(chainSnapshot(), nil, Options{
		TableRenames: map[string]string{"users": "people", "orders": "people"},
	})
	var pe *PlanError
	testutil.True(t, errors.As(err, &pe))
	testutil.Equal(t, KindOptionConflict, pe.Kind)
}

func TestRiskFactorsAreNamed(t *testing.T) {
	p, err := Build(cycleSnapshot(), nil, Options{})
	testutil.NoError(t, err)

	risk := p.Risk()
	names := map[string]bool{}
	for _, f := range risk.Factors {
		names[f.Name] = true
	}
	testutil.True(t, names["cyclic_fk_groups"])
	testutil.True(t, names["table_count"])
	testutil.True(t, risk.Score > 0)
}

func TestEstimatedDuration(t *testing.T) {
	p, err := Build(chainSnapshot(), nil, Options{ThroughputRows: 100})
	testutil.NoError(t, err)
	// 1600 rows at 100 rows/s plus five 5s phase overheads.
	testutil.Equal(t, int64(41), int64(p.EstimatedDuration().Seconds()))
}

func TestIndexSQLIsReplaySafe(t *testing.T) {
	snap := chainSnapshot()
	snap.Tables[2].Indexes = []analyzer.Index{
		{Name: "users_email_idx", Definition: `CREATE UNIQUE INDEX users_email_idx ON public."users" (email)`},
	}

	p, err := Build(snap, nil, Options{TableRenames: map[string]string{"users": "people"}})
	testutil.NoError(t, err)

	spec := p.SpecFor("users")
	testutil.NotNil(t, spec)
	testutil.Equal(t, 1, len(spec.IndexSQL))
	testutil.True(t, strings.Contains(spec.IndexSQL[0], "CREATE UNIQUE INDEX IF NOT EXISTS"))
	testutil.True(t, strings.Contains(spec.IndexSQL[0], `ON "people"`))
}

func TestIndexIfNotExists(t *testing.T) {
	cases := []struct{ in, want string }{
		{`CREATE INDEX i ON t (a)`, `CREATE INDEX IF NOT EXISTS i ON t (a)`},
		{`CREATE UNIQUE INDEX i ON t (a)`, `CREATE UNIQUE INDEX IF NOT EXISTS i ON t (a)`},
		{`CREATE INDEX IF NOT EXISTS i ON t (a)`, `CREATE INDEX IF NOT EXISTS i ON t (a)`},
	}
	for _, c := range cases {
		testutil.Equal(t, c.want, indexIfNotExists(c.in))
	}
}

func TestAccessorsCloneNestedSlices(t *testing.T) {
	snap := chainSnapshot()
	snap.Tables[2].Indexes = []analyzer.Index{
		{Name: "users_email_idx", Definition: `CREATE INDEX users_email_idx ON users (email)`},
	}
	pols := []policy.AccessPolicy{{
		Name: "users_select", Table: "users",
		SubjectRoles: []string{"app_user"},
	}}
	p, err := Build(snap, pols, Options{})
	testutil.NoError(t, err)

	m := p.Mapping()
	m[0].Columns[0].Name = "smashed"
	m[0].PrimaryKey[0] = "smashed"
	spec := p.SpecFor(m[0].SourceTable)
	testutil.NotEqual(t, "smashed", spec.Columns[0].Name)
	testutil.NotEqual(t, "smashed", spec.PrimaryKey[0])

	us := p.SpecFor("users")
	us.IndexSQL[0] = "smashed"
	testutil.NotEqual(t, "smashed", p.SpecFor("users").IndexSQL[0])

	jobs := p.DataJobs()
	for i := range jobs {
		if len(jobs[i].DependencyIDs) > 0 {
			id := jobs[i].JobID
			jobs[i].DependencyIDs[0] = "smashed"
			testutil.NotEqual(t, "smashed", p.Job(id).DependencyIDs[0])
		}
	}

	ps := p.Policies()
	ps[0].SubjectRoles[0] = "smashed"
	testutil.Equal(t, "app_user", p.Policies()[0].SubjectRoles[0])
}
