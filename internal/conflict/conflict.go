// Package conflict implements last-write-wins arbitration between
// competing changes to the same row (spec.md §4.11).
package conflict

import (
	"github.com/vibestack/syncd/internal/changeset"
)

// Winner returns whichever of a, b should be retained under last-write-
// wins on (updatedAt, tiebreaker=clientId): the change with the later
// UpdatedAt wins; ties break on lexicographically greater clientId.
//
// This single rule is shared by C3's per-row dedup collapse and by
// C10's cross-client apply-time arbitration (spec.md §4.11 describes
// one rule used in both places).
func Winner(a, b changeset.Change) changeset.Change {
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	if a.OriginClientID() >= b.OriginClientID() {
		return a
	}
	return b
}

// Beats reports whether incoming should replace existing under the
// same rule as Winner, without requiring the two Changes to be
// comparable with ==. Used where only one side needs to be persisted,
// such as C10's apply-time arbitration against an already-stored row.
func Beats(incoming, existing changeset.Change) bool {
	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		return true
	}
	if existing.UpdatedAt.After(incoming.UpdatedAt) {
		return false
	}
	return incoming.OriginClientID() > existing.OriginClientID()
}

// WinnerOf reduces a non-empty slice of changes to a single row's
// current winner by repeated pairwise comparison.
func WinnerOf(changes []changeset.Change) changeset.Change {
	w := changes[0]
	for _, c := range changes[1:] {
		w = Winner(w, c)
	}
	return w
}
