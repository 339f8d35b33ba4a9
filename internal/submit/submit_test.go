package submit

import (
	"context"
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
		"users": {}, "projects": {"users"}, "tasks": {"projects"},
	})
	require.NoError(t, err)
	return h
}

func ch(table string, op changeset.Op, clientID, id string) changeset.Change {
	data, _ := json.Marshal(map[string]string{"id": id, "clientId": clientID})
	return changeset.Change{Table: table, Op: op, Data: data, LSN: lsn.MustParse("0/1"), UpdatedAt: time.Now()}
}

// TestApplyRejectsClientIDMismatch is spec.md §4.10 step 1: a session
// must never submit a change stamped with another client's id.
func TestApplyRejectsClientIDMismatch(t *testing.T) {
	p := New(nil, mustHierarchy(t))
	changes := []changeset.Change{ch("tasks", changeset.OpInsert, "other-client", "t1")}

	_, err := p.Apply(context.Background(), "session-client", changes)
	require.ErrorIs(t, err, ErrClientIDMismatch)
}

func TestSubtractRemovesFailedRows(t *testing.T) {
	a := ch("tasks", changeset.OpInsert, "c1", "t1")
	b := ch("tasks", changeset.OpInsert, "c1", "t2")
	all := []changeset.Change{a, b}
	failed := []applyFailure{{c: a, reason: "foreign key violation"}}

	remaining := subtract(all, failed)
	require.Len(t, remaining, 1)
	require.Equal(t, "t2", remaining[0].ID())
}
