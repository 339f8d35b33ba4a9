package changeset

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/lsn"
)

func testHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := NewHierarchy(map[string][]string{
		"users":    {},
		"projects": {"users"},
		"tasks":    {"projects"},
		"comments": {"tasks"},
	})
	require.NoError(t, err)
	return h
}

func TestDependencyLevels(t *testing.T) {
	h := testHierarchy(t)
	require.Equal(t, 0, h.Level("users"))
	require.Equal(t, 1, h.Level("projects"))
	require.Equal(t, 2, h.Level("tasks"))
	require.Equal(t, 3, h.Level("comments"))
	require.Equal(t, 0, h.Level("unknown-table"))
}

func TestCyclicHierarchyRejected(t *testing.T) {
	_, err := NewHierarchy(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	require.Error(t, err)
}

func change(table string, op Op, id string, ts time.Time) Change {
	data, _ := json.Marshal(map[string]string{"id": id})
	return Change{Table: table, Op: op, Data: data, UpdatedAt: ts, LSN: lsn.MustParse("0/1")}
}

// TestHierarchyOrdering is property 4 from spec.md §8 for inserts:
// orderForApply never puts a child insert before its parent. Delete
// ordering is checked by TestDeletesFollowNonDeletesAndReverse.
func TestHierarchyOrdering(t *testing.T) {
	h := testHierarchy(t)
	now := time.Now()
	batch := []Change{
		change("comments", OpInsert, "c1", now),
		change("tasks", OpInsert, "t1", now),
		change("projects", OpInsert, "p1", now),
		change("users", OpInsert, "u1", now),
	}
	ordered := h.OrderForApply(batch)
	order := map[string]int{}
	for i, c := range ordered {
		order[c.Table] = i
	}
	require.Less(t, order["users"], order["projects"])
	require.Less(t, order["projects"], order["tasks"])
	require.Less(t, order["tasks"], order["comments"])
}

func TestDeletesFollowNonDeletesAndReverse(t *testing.T) {
	h := testHierarchy(t)
	now := time.Now()
	batch := []Change{
		change("users", OpDelete, "u1", now),
		change("comments", OpDelete, "c1", now),
		change("tasks", OpInsert, "t1", now),
		change("projects", OpInsert, "p1", now),
	}
	ordered := h.OrderForApply(batch)

	// all non-deletes before all deletes
	seenDelete := false
	for _, c := range ordered {
		if c.Op == OpDelete {
			seenDelete = true
		} else {
			require.False(t, seenDelete, "non-delete found after a delete")
		}
	}

	// within the deletes, descending level: comments (level 3) before users (level 0)
	var deleteOrder []string
	for _, c := range ordered {
		if c.Op == OpDelete {
			deleteOrder = append(deleteOrder, c.Table)
		}
	}
	require.Equal(t, []string{"comments", "users"}, deleteOrder)
}

func TestOrderForApplyStableWithinLevel(t *testing.T) {
	h := testHierarchy(t)
	now := time.Now()
	batch := []Change{
		change("users", OpInsert, "u1", now),
		change("users", OpInsert, "u2", now),
		change("users", OpInsert, "u3", now),
	}
	ordered := h.OrderForApply(batch)
	require.Equal(t, "u1", ordered[0].ID())
	require.Equal(t, "u2", ordered[1].ID())
	require.Equal(t, "u3", ordered[2].ID())
}
