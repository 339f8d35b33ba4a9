package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/changeset"
)

func mk(clientID string, ts time.Time) changeset.Change {
	data, _ := json.Marshal(map[string]string{"id": "p1", "clientId": clientID})
	return changeset.Change{Table: "projects", Op: changeset.OpUpdate, Data: data, UpdatedAt: ts}
}

// TestLWWConflict is scenario S4 from spec.md §8: two clients submit
// concurrent updates with equal updatedAt; the lexicographically
// greater clientId wins.
func TestLWWConflict(t *testing.T) {
	ts := time.Unix(100, 0)
	a := mk("A", ts)
	b := mk("B", ts)
	w := Winner(a, b)
	require.Equal(t, "B", w.OriginClientID())

	// Order independence.
	w2 := Winner(b, a)
	require.Equal(t, "B", w2.OriginClientID())
}

func TestLWWByTimestamp(t *testing.T) {
	older := mk("B", time.Unix(100, 0))
	newer := mk("A", time.Unix(200, 0))
	require.Equal(t, "A", Winner(older, newer).OriginClientID())
}

func TestBeatsMatchesWinner(t *testing.T) {
	older := mk("B", time.Unix(100, 0))
	newer := mk("A", time.Unix(200, 0))
	require.True(t, Beats(newer, older))
	require.False(t, Beats(older, newer))

	tieLower := mk("A", time.Unix(100, 0))
	tieHigher := mk("B", time.Unix(100, 0))
	require.True(t, Beats(tieHigher, tieLower))
	require.False(t, Beats(tieLower, tieHigher))
}

func TestWinnerOf(t *testing.T) {
	changes := []changeset.Change{
		mk("A", time.Unix(100, 0)),
		mk("C", time.Unix(300, 0)),
		mk("B", time.Unix(200, 0)),
	}
	require.Equal(t, "C", WinnerOf(changes).OriginClientID())
}
