package changeset

import (
	"fmt"
	"sort"
)

// Hierarchy is a static DAG over domain tables where an edge A->B means
// "rows in A reference rows in B" (B is a parent). It imposes the
// apply-order batches must respect (spec.md §3, §4.2).
type Hierarchy struct {
	parents map[string][]string
	level   map[string]int
}

// NewHierarchy builds a Hierarchy from a parent map and computes each
// table's dependency level. Returns an error if the graph contains a
// cycle — spec.md §3 forbids cyclic dependencies.
func NewHierarchy(parents map[string][]string) (*Hierarchy, error) {
	h := &Hierarchy{parents: parents, level: map[string]int{}}
	for table := range parents {
		if err := h.checkAcyclic(table, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	for table := range parents {
		h.level[table] = h.dependencyLevel(table, map[string]bool{})
	}
	return h, nil
}

// checkAcyclic walks the parent chain from table using DFS, the same
// visited-set walk used to detect dependency cycles in a graph of
// references: a repeat visit to a node already on the current path
// means a cycle.
func (h *Hierarchy) checkAcyclic(table string, onPath map[string]bool) error {
	if onPath[table] {
		return fmt.Errorf("changeset: cyclic table dependency at %q", table)
	}
	onPath[table] = true
	for _, p := range h.parents[table] {
		if err := h.checkAcyclic(p, onPath); err != nil {
			return err
		}
	}
	delete(onPath, table)
	return nil
}

// dependencyLevel returns table's level: roots (no parents) are 0,
// otherwise one more than the max of parents' levels (spec.md §4.2).
func (h *Hierarchy) dependencyLevel(table string, visiting map[string]bool) int {
	parents := h.parents[table]
	if len(parents) == 0 {
		return 0
	}
	max := -1
	for _, p := range parents {
		l := h.dependencyLevel(p, visiting)
		if l > max {
			max = l
		}
	}
	return max + 1
}

// Level returns the precomputed dependency level for table. Unknown
// tables are treated as roots (level 0).
func (h *Hierarchy) Level(table string) int {
	if l, ok := h.level[table]; ok {
		return l
	}
	return 0
}

// OrderForApply orders changes per spec.md §4.2: ascending by
// dependency level for insert/update, descending for delete, with all
// deletes following all non-deletes in a mixed batch. Ties within a
// level preserve input order (stable sort).
func (h *Hierarchy) OrderForApply(changes []Change) []Change {
	out := make([]Change, len(changes))
	copy(out, changes)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aDel, bDel := a.Op == OpDelete, b.Op == OpDelete
		if aDel != bDel {
			return !aDel // non-deletes first
		}
		al, bl := h.Level(a.Table), h.Level(b.Table)
		if aDel {
			return al > bl // deletes: descending level
		}
		return al < bl // inserts/updates: ascending level
	})
	return out
}
