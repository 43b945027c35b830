// Package relgraph derives the table dependency graph from a schema
// snapshot. Each foreign key contributes a child → parent edge; a
// topological order over the graph drives schema creation and data load.
// Cycles are never broken heuristically: every cycle (mutual or
// self-referencing) becomes an explicit deferred constraint group whose
// foreign keys are added only after data load.
package relgraph

import (
	"sort"

	"github.com/shiftdb/shift/internal/analyzer"
)

// Edge is one FK dependency: Child's data requires Parent's data first.
type Edge struct {
	ForeignKey analyzer.ForeignKey
	Child      string
	Parent     string
}

// DeferredKey is a foreign key that must be created after data load
// because it participates in a cycle.
type DeferredKey struct {
	Table      string
	ForeignKey analyzer.ForeignKey
}

// CycleGroup is a set of tables whose foreign keys form a cycle. A
// self-referencing table is a group of one.
type CycleGroup struct {
	Tables       []string
	DeferredKeys []DeferredKey
}

// Graph is the directed dependency graph over a snapshot's tables.
type Graph struct {
	tables   []string
	parents  map[string][]string
	children map[string][]string
	edges    []Edge
	selfRefs map[string][]analyzer.ForeignKey
}

// Build constructs the graph from a snapshot. The analyzer guarantees
// every FK resolves within the snapshot, so edges never dangle.
func Build(snap *analyzer.Snapshot) *Graph {
	g := &Graph{
		parents:  make(map[string][]string),
		children: make(map[string][]string),
		selfRefs: make(map[string][]analyzer.ForeignKey),
	}

	for _, t := range snap.Tables {
		g.tables = append(g.tables, t.Name)
	}
	sort.Strings(g.tables)

	for _, t := range snap.Tables {
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == t.Name {
				g.selfRefs[t.Name] = append(g.selfRefs[t.Name], fk)
				continue
			}
			g.edges = append(g.edges, Edge{ForeignKey: fk, Child: t.Name, Parent: fk.RefTable})
			if !contains(g.parents[t.Name], fk.RefTable) {
				g.parents[t.Name] = append(g.parents[t.Name], fk.RefTable)
			}
			if !contains(g.children[fk.RefTable], t.Name) {
				g.children[fk.RefTable] = append(g.children[fk.RefTable], t.Name)
			}
		}
	}
	for _, m := range []map[string][]string{g.parents, g.children} {
		for k := range m {
			sort.Strings(m[k])
		}
	}
	return g
}

// Tables returns all table names in lexicographic order.
func (g *Graph) Tables() []string {
	out := make([]string, len(g.tables))
	copy(out, g.tables)
	return out
}

// Parents returns the tables that table directly depends on.
func (g *Graph) Parents(table string) []string {
	out := make([]string, len(g.parents[table]))
	copy(out, g.parents[table])
	return out
}

// Order returns a load order (parents before children) and the cycle
// groups. Tables inside one group are ordered lexicographically among
// themselves; the group as a whole is placed where the condensed graph
// allows. Order is deterministic for a given snapshot.
func (g *Graph) Order() ([]string, []CycleGroup) {
	groupOf := g.stronglyConnected()

	// Condense: one node per component, keyed by its smallest table name.
	repOf := map[int]string{}
	members := map[int][]string{}
	for _, t := range g.tables {
		id := groupOf[t]
		members[id] = append(members[id], t)
		if repOf[id] == "" || t < repOf[id] {
			repOf[id] = t
		}
	}

	inDegree := map[string]int{}
	succ := map[string]map[string]bool{}
	for id := range members {
		inDegree[repOf[id]] = 0
	}
	for _, e := range g.edges {
		cp, pp := repOf[groupOf[e.Child]], repOf[groupOf[e.Parent]]
		if cp == pp {
			continue
		}
		if succ[pp] == nil {
			succ[pp] = map[string]bool{}
		}
		if !succ[pp][cp] {
			succ[pp][cp] = true
			inDegree[cp]++
		}
	}

	// Kahn's algorithm with a sorted ready set for stable output.
	var ready []string
	for rep, d := range inDegree {
		if d == 0 {
			ready = append(ready, rep)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		rep := ready[0]
		ready = ready[1:]
		ms := members[groupOf[rep]]
		sort.Strings(ms)
		order = append(order, ms...)

		var unlocked []string
		for next := range succ[rep] {
			inDegree[next]--
			if inDegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	var groups []CycleGroup
	seen := map[int]bool{}
	for _, t := range g.tables {
		id := groupOf[t]
		if seen[id] {
			continue
		}
		seen[id] = true
		ms := members[id]
		sort.Strings(ms)
		if len(ms) == 1 && len(g.selfRefs[ms[0]]) == 0 {
			continue
		}
		groups = append(groups, g.buildGroup(ms))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Tables[0] < groups[j].Tables[0] })
	return order, groups
}

// InGroup reports whether a and b share a cycle group in groups.
func InGroup(groups []CycleGroup, a, b string) bool {
	for _, grp := range groups {
		if contains(grp.Tables, a) && contains(grp.Tables, b) {
			return true
		}
	}
	return false
}

func (g *Graph) buildGroup(tables []string) CycleGroup {
	grp := CycleGroup{Tables: tables}
	in := map[string]bool{}
	for _, t := range tables {
		in[t] = true
	}
	for _, e := range g.edges {
		if in[e.Child] && in[e.Parent] {
			grp.DeferredKeys = append(grp.DeferredKeys, DeferredKey{Table: e.Child, ForeignKey: e.ForeignKey})
		}
	}
	for _, t := range tables {
		for _, fk := range g.selfRefs[t] {
			grp.DeferredKeys = append(grp.DeferredKeys, DeferredKey{Table: t, ForeignKey: fk})
		}
	}
	sort.Slice(grp.DeferredKeys, func(i, j int) bool {
		a, b := grp.DeferredKeys[i], grp.DeferredKeys[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.ForeignKey.Name < b.ForeignKey.Name
	})
	return grp
}

// stronglyConnected assigns a component id to every table using Tarjan's
// algorithm. Self-referencing edges are tracked separately and do not
// affect component membership.
func (g *Graph) stronglyConnected() map[string]int {
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	groupOf := map[string]int{}
	var stack []string
	counter, groups := 0, 0

	var visit func(string)
	visit = func(v string) {
		counter++
		index[v] = counter
		low[v] = counter
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.parents[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] == index[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				groupOf[w] = groups
				if w == v {
					break
				}
			}
			groups++
		}
	}

	for _, t := range g.tables {
		if _, seen := index[t]; !seen {
			visit(t)
		}
	}
	return groupOf
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
