package policy

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/testutil"
)

func tableWith(name string, cols ...string) analyzer.TableDescriptor {
	t := analyzer.TableDescriptor{Name: name}
	for i, c := range cols {
		t.Columns = append(t.Columns, analyzer.ColumnDescriptor{Name: c, Kind: analyzer.KindText, Ordinal: i + 1})
	}
	return t
}

func snapWith(tables ...analyzer.TableDescriptor) *analyzer.Snapshot {
	return &analyzer.Snapshot{Tables: tables}
}

func TestHeuristicTenantAndOwner(t *testing.T) {
	snap := snapWith(
		tableWith("users", "id"),
		tableWith("documents", "id", "user_id", "tenant_id", "body"),
	)
	policies, err := Synthesize(snap, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)

	var doc AccessPolicy
	for _, p := range policies {
		if p.Table == "documents" {
			doc = p
		}
	}
	testutil.Equal(t, OriginTenantOwner, doc.Origin)
	testutil.True(t, strings.Contains(doc.UsingExpression, "tenant_id"))
	testutil.True(t, strings.Contains(doc.UsingExpression, "user_id"))
	testutil.Equal(t, "", doc.Warning)
}

func TestHeuristicTenantOnly(t *testing.T) {
	snap := snapWith(tableWith("settings", "id", "org_id", "value"))
	policies, err := Synthesize(snap, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)
	testutil.Equal(t, OriginTenant, policies[0].Origin)
	testutil.True(t, strings.Contains(policies[0].UsingExpression, "org_id"))
}

func TestHeuristicOwnerOnly(t *testing.T) {
	snap := snapWith(
		tableWith("users", "id"),
		tableWith("notes", "id", "user_id", "body"),
	)
	policies, err := Synthesize(snap, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)

	for _, p := range policies {
		if p.Table == "notes" {
			testutil.Equal(t, OriginOwner, p.Origin)
			testutil.True(t, strings.Contains(p.UsingExpression, "shift.user_id"))
		}
	}
}

func TestHeuristicAdminFallback(t *testing.T) {
	snap := snapWith(tableWith("lookup_codes", "code", "label"))
	policies, err := Synthesize(snap, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)
	testutil.Equal(t, OriginAdminFallback, policies[0].Origin)
	testutil.Equal(t, "admin", policies[0].SubjectRoles[0])
	testutil.True(t, policies[0].Warning != "")
}

func TestHintOverridesHeuristic(t *testing.T) {
	snap := snapWith(tableWith("documents", "id", "user_id", "tenant_id", "visibility"))
	hints := []Hint{{
		Table:           "documents",
		Operation:       OpRead,
		SubjectRoles:    []string{"viewer"},
		UsingExpression: "visibility = 'public'",
	}}
	policies, err := Synthesize(snap, hints, testutil.DiscardLogger())
	testutil.NoError(t, err)
	testutil.Equal(t, OriginHint, policies[0].Origin)
	testutil.Equal(t, OpRead, policies[0].Operation)
	testutil.Equal(t, "visibility = 'public'", policies[0].UsingExpression)
}

func TestBadHintFailsLoudly(t *testing.T) {
	snap := snapWith(tableWith("documents", "id", "body"))
	hints := []Hint{{Table: "documents", UsingExpression: "owner_id::text = current_setting('shift.user_id', true)"}}

	_, err := Synthesize(snap, hints, testutil.DiscardLogger())
	var se *SynthesisError
	testutil.True(t, errors.As(err, &se))
	testutil.Equal(t, KindInvalidReference, se.Kind)
	testutil.Equal(t, "owner_id", se.Column)
}

func TestValidateIgnoresStringLiterals(t *testing.T) {
	snap := snapWith(tableWith("t", "status"))
	p := AccessPolicy{Name: "t_access", Table: "t", UsingExpression: "status = 'not_a_column'"}
	testutil.NoError(t, Validate(p, snap))
}

// Property: no synthesized policy ever references a column absent from
// its table, across randomly shaped schemas.
func TestSynthesizeNeverEscalates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []string{"id", "user_id", "tenant_id", "org_id", "account_id", "owner_id",
		"name", "created_at", "body", "price", "team_id", "status"}

	for iter := 0; iter < 200; iter++ {
		nTables := 1 + rng.Intn(6)
		var tables []analyzer.TableDescriptor
		tables = append(tables, tableWith("users", "id"))
		for i := 0; i < nTables; i++ {
			cols := []string{"id"}
			for _, c := range pool {
				if rng.Intn(3) == 0 {
					cols = append(cols, c)
				}
			}
			tables = append(tables, tableWith(fmt.Sprintf("t%d", i), cols...))
		}
		snap := snapWith(tables...)

		policies, err := Synthesize(snap, nil, testutil.DiscardLogger())
		testutil.NoError(t, err)
		for _, p := range policies {
			testutil.NoError(t, Validate(p, snap))
		}
	}
}

func TestRoles(t *testing.T) {
	policies := []AccessPolicy{
		{SubjectRoles: []string{"authenticated"}},
		{SubjectRoles: []string{"admin"}},
		{SubjectRoles: []string{"authenticated", "viewer"}},
	}
	roles := Roles(policies)
	testutil.Equal(t, 3, len(roles))
	testutil.Equal(t, "admin", roles[0])
	testutil.Equal(t, "authenticated", roles[1])
	testutil.Equal(t, "viewer", roles[2])
}
