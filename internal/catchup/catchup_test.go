package catchup

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/lsn"
)

func testHierarchy(t *testing.T) *changeset.Hierarchy {
	t.Helper()
	h, err := changeset.NewHierarchy(map[string][]string{"tasks": {}})
	require.NoError(t, err)
	return h
}

type recordingSender struct {
	chunks    []Chunk
	completed *lsn.LSN
}

func (s *recordingSender) SendChunk(_ context.Context, c Chunk) error {
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *recordingSender) SendCompleted(_ context.Context, l lsn.LSN) error {
	s.completed = &l
	return nil
}

type autoAck struct{}

func (autoAck) WaitAck(_ context.Context, _ int) error { return nil }

func seedLedger(t *testing.T, n int) history.Ledger {
	t.Helper()
	l := history.NewMemLedger()
	for i := 1; i <= n; i++ {
		data, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("t%d", i)})
		require.NoError(t, l.Append(context.Background(), changeset.Change{
			Table: "tasks", Op: changeset.OpInsert, Data: data,
			LSN: lsn.LSN{Major: 0, Minor: uint32(i)},
		}))
	}
	return l
}

// TestCatchupChunking is scenario S1 from spec.md §8: 1200 changes,
// chunk size 500, expect chunks of 500/500/200.
func TestCatchupChunking(t *testing.T) {
	ledger := seedLedger(t, 1200)
	e := New(ledger, testHierarchy(t), 500)
	sender := &recordingSender{}

	toLSN := lsn.LSN{Major: 0, Minor: 1200}
	err := e.Run(context.Background(), "", lsn.Zero, toLSN, sender, autoAck{})
	require.NoError(t, err)

	require.Len(t, sender.chunks, 3)
	require.Len(t, sender.chunks[0].Changes, 500)
	require.Len(t, sender.chunks[1].Changes, 500)
	require.Len(t, sender.chunks[2].Changes, 200)
	require.Equal(t, 1, sender.chunks[0].Index)
	require.Equal(t, 3, sender.chunks[0].Total)
	require.NotNil(t, sender.completed)
	require.Equal(t, toLSN, *sender.completed)
}

func TestCatchupEmptyRangeCompletesImmediately(t *testing.T) {
	ledger := seedLedger(t, 5)
	e := New(ledger, testHierarchy(t), 500)
	sender := &recordingSender{}

	same := lsn.LSN{Major: 0, Minor: 3}
	err := e.Run(context.Background(), "", same, same, sender, autoAck{})
	require.NoError(t, err)
	require.Empty(t, sender.chunks)
	require.Equal(t, same, *sender.completed)
}

func TestCatchupFiltersOriginatingClient(t *testing.T) {
	ledger := history.NewMemLedger()
	data, _ := json.Marshal(map[string]string{"id": "t1", "clientId": "A"})
	require.NoError(t, ledger.Append(context.Background(), changeset.Change{
		Table: "tasks", Op: changeset.OpInsert, Data: data, LSN: lsn.MustParse("0/1"),
	}))

	e := New(ledger, testHierarchy(t), 500)
	sender := &recordingSender{}
	err := e.Run(context.Background(), "A", lsn.Zero, lsn.MustParse("0/1"), sender, autoAck{})
	require.NoError(t, err)
	require.Empty(t, sender.chunks)
}

// TestCatchupChunksAreLSNMonotonic guards against regressing to
// hierarchy-apply order: with a parent table whose changes sort first for
// apply but carry higher LSNs, chunk boundaries must still follow
// ascending LSN so lastLSN never goes backwards (spec.md §4.7,
// monotonicity property #5).
func TestCatchupChunksAreLSNMonotonic(t *testing.T) {
	h, err := changeset.NewHierarchy(map[string][]string{
		"projects": {},
		"tasks":    {"projects"},
	})
	require.NoError(t, err)

	ledger := history.NewMemLedger()
	for i := 1; i <= 4; i++ {
		data, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("p%d", i)})
		require.NoError(t, ledger.Append(context.Background(), changeset.Change{
			Table: "tasks", Op: changeset.OpInsert, Data: data,
			LSN: lsn.LSN{Major: 0, Minor: uint32(i)},
		}))
	}
	for i := 5; i <= 8; i++ {
		data, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("p%d", i)})
		require.NoError(t, ledger.Append(context.Background(), changeset.Change{
			Table: "projects", Op: changeset.OpInsert, Data: data,
			LSN: lsn.LSN{Major: 0, Minor: uint32(i)},
		}))
	}

	e := New(ledger, h, 3)
	sender := &recordingSender{}
	toLSN := lsn.LSN{Major: 0, Minor: 8}
	err = e.Run(context.Background(), "", lsn.Zero, toLSN, sender, autoAck{})
	require.NoError(t, err)

	require.Len(t, sender.chunks, 3)
	var lastLSN lsn.LSN
	for _, c := range sender.chunks {
		require.False(t, lsn.Less(c.LastLSN, lastLSN), "lastLSN must not go backwards between chunks")
		lastLSN = c.LastLSN
	}
}

func TestCatchupRespectsToLSNUpperBound(t *testing.T) {
	ledger := seedLedger(t, 10)
	e := New(ledger, testHierarchy(t), 500)
	sender := &recordingSender{}

	err := e.Run(context.Background(), "", lsn.Zero, lsn.LSN{Major: 0, Minor: 5}, sender, autoAck{})
	require.NoError(t, err)
	require.Len(t, sender.chunks, 1)
	require.Len(t, sender.chunks[0].Changes, 5)
}
