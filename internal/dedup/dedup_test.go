package dedup

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
)

func mustHierarchy(t *testing.T) *changeset.Hierarchy {
	t.Helper()
	h, err := changeset.NewHierarchy(map[string][]string{
		"users": {}, "projects": {"users"}, "tasks": {"projects"}, "comments": {"tasks"},
	})
	require.NoError(t, err)
	return h
}

func ch(table string, op changeset.Op, fields map[string]any, ts time.Time) changeset.Change {
	data, _ := json.Marshal(fields)
	return changeset.Change{Table: table, Op: op, Data: data, UpdatedAt: ts, LSN: lsn.MustParse("0/1")}
}

func dataOf(t *testing.T, c changeset.Change) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(c.Data, &m))
	return m
}

func TestInsertThenUpdateCollapses(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)
	changes := []changeset.Change{
		ch("tasks", changeset.OpInsert, map[string]any{"id": "t1", "title": "a"}, t0),
		ch("tasks", changeset.OpUpdate, map[string]any{"id": "t1", "title": "b"}, t1),
	}
	res := Dedupe(changes, "", mustHierarchy(t))
	require.Len(t, res.Changes, 1)
	require.Equal(t, changeset.OpInsert, res.Changes[0].Op)
	require.Equal(t, "b", dataOf(t, res.Changes[0])["title"])
	require.Equal(t, 1, res.Transformations)
}

func TestDeleteDominates(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)
	t2 := time.Unix(300, 0)
	changes := []changeset.Change{
		ch("tasks", changeset.OpUpdate, map[string]any{"id": "t1", "title": "c"}, t2),
		ch("tasks", changeset.OpDelete, map[string]any{"id": "t1"}, t0),
		ch("tasks", changeset.OpInsert, map[string]any{"id": "t1", "title": "d"}, t0.Add(-50*time.Second)),
	}
	res := Dedupe(changes, "", mustHierarchy(t))
	require.Len(t, res.Changes, 1)
	require.Equal(t, changeset.OpDelete, res.Changes[0].Op)
	require.Len(t, res.Dropped.Outdated, 2)
	_ = t1
}

func TestMissingIDDropped(t *testing.T) {
	changes := []changeset.Change{
		ch("tasks", changeset.OpInsert, map[string]any{"title": "no id"}, time.Now()),
	}
	res := Dedupe(changes, "", mustHierarchy(t))
	require.Empty(t, res.Changes)
	require.Len(t, res.Dropped.MissingID, 1)
}

func TestOriginFiltering(t *testing.T) {
	now := time.Now()
	changes := []changeset.Change{
		ch("tasks", changeset.OpInsert, map[string]any{"id": "t1", "clientId": "A"}, now),
	}
	res := Dedupe(changes, "A", mustHierarchy(t))
	require.Empty(t, res.Changes)
	require.Len(t, res.Dropped.OriginFiltered, 1)
}

// TestDedupeIdempotent is property 2 from spec.md §8.
func TestDedupeIdempotent(t *testing.T) {
	now := time.Now()
	changes := []changeset.Change{
		ch("users", changeset.OpInsert, map[string]any{"id": "u1", "name": "a"}, now),
		ch("users", changeset.OpUpdate, map[string]any{"id": "u1", "name": "b"}, now.Add(time.Second)),
		ch("tasks", changeset.OpInsert, map[string]any{"id": "t1"}, now),
	}
	h := mustHierarchy(t)
	once := Dedupe(changes, "", h)
	twice := Dedupe(once.Changes, "", h)
	require.Equal(t, once.Changes, twice.Changes)
	require.Empty(t, twice.Dropped.Outdated)
	require.Empty(t, twice.Dropped.MissingID)
}

func TestUpdateUpdateNewerOverridesOlder(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)
	changes := []changeset.Change{
		ch("tasks", changeset.OpUpdate, map[string]any{"id": "t1", "title": "new", "extra": "kept"}, t1),
		ch("tasks", changeset.OpUpdate, map[string]any{"id": "t1", "title": "old"}, t0),
	}
	res := Dedupe(changes, "", mustHierarchy(t))
	require.Len(t, res.Changes, 1)
	d := dataOf(t, res.Changes[0])
	require.Equal(t, "new", d["title"])
	require.Equal(t, "kept", d["extra"])
}
