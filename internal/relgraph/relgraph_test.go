package relgraph

import (
	"testing"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/testutil"
)

func table(name string, fks ...analyzer.ForeignKey) analyzer.TableDescriptor {
	return analyzer.TableDescriptor{Name: name, ForeignKeys: fks}
}

func fk(name, col, refTable string) analyzer.ForeignKey {
	return analyzer.ForeignKey{Name: name, Columns: []string{col}, RefTable: refTable, RefColumns: []string{"id"}}
}

func TestOrderChain(t *testing.T) {
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("items", fk("items_order_id_fkey", "order_id", "orders")),
		table("orders", fk("orders_user_id_fkey", "user_id", "users")),
		table("users"),
	}}

	order, groups := Build(snap).Order()
	testutil.Equal(t, 3, len(order))
	testutil.Equal(t, "users", order[0])
	testutil.Equal(t, "orders", order[1])
	testutil.Equal(t, "items", order[2])
	testutil.Equal(t, 0, len(groups))
}

func TestOrderMutualCycle(t *testing.T) {
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("a", fk("a_b_id_fkey", "b_id", "b")),
		table("b", fk("b_a_id_fkey", "a_id", "a")),
	}}

	order, groups := Build(snap).Order()
	testutil.Equal(t, 2, len(order))
	testutil.Equal(t, 1, len(groups))
	testutil.Equal(t, 2, len(groups[0].Tables))
	testutil.Equal(t, "a", groups[0].Tables[0])
	testutil.Equal(t, "b", groups[0].Tables[1])
	testutil.Equal(t, 2, len(groups[0].DeferredKeys))
	testutil.True(t, InGroup(groups, "a", "b"))
}

func TestOrderSelfReference(t *testing.T) {
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("employees", fk("employees_manager_id_fkey", "manager_id", "employees")),
	}}

	order, groups := Build(snap).Order()
	testutil.Equal(t, 1, len(order))
	testutil.Equal(t, 1, len(groups))
	testutil.Equal(t, "employees", groups[0].Tables[0])
	testutil.Equal(t, 1, len(groups[0].DeferredKeys))
	testutil.Equal(t, "employees_manager_id_fkey", groups[0].DeferredKeys[0].ForeignKey.Name)
}

func TestOrderCycleWithDownstream(t *testing.T) {
	// c depends on the a/b cycle; the group must come before c.
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("a", fk("a_b_id_fkey", "b_id", "b")),
		table("b", fk("b_a_id_fkey", "a_id", "a")),
		table("c", fk("c_a_id_fkey", "a_id", "a")),
	}}

	order, groups := Build(snap).Order()
	testutil.Equal(t, 3, len(order))
	testutil.Equal(t, "c", order[2])
	testutil.Equal(t, 1, len(groups))
	testutil.False(t, InGroup(groups, "a", "c"))
}

func TestOrderIsDeterministic(t *testing.T) {
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("p"), table("q"), table("r"),
		table("x", fk("x_p_fkey", "p_id", "p"), fk("x_q_fkey", "q_id", "q")),
		table("y", fk("y_q_fkey", "q_id", "q")),
	}}

	first, _ := Build(snap).Order()
	for i := 0; i < 10; i++ {
		again, _ := Build(snap).Order()
		for j := range first {
			testutil.Equal(t, first[j], again[j])
		}
	}
}

func TestParents(t *testing.T) {
	snap := &analyzer.Snapshot{Tables: []analyzer.TableDescriptor{
		table("orders", fk("orders_user_id_fkey", "user_id", "users")),
		table("users"),
	}}
	g := Build(snap)
	testutil.Equal(t, 1, len(g.Parents("orders")))
	testutil.Equal(t, "users", g.Parents("orders")[0])
	testutil.Equal(t, 0, len(g.Parents("users")))
}
