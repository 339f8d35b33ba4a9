// Package dedup implements the per-row deduplication and merge pass
// described in spec.md §4.3: collapsing a multi-change sequence for one
// row down to a single representative change, with delete-dominance and
// last-write-wins merge semantics.
package dedup

import (
	"sort"

	"github.com/vibestack/syncd/internal/changeset"
)

// Dropped buckets the changes that did not survive into the result,
// each tagged with why.
type Dropped struct {
	// MissingID holds changes whose Data carried no "id" field.
	MissingID []changeset.Change
	// Outdated holds changes superseded by a newer (or merged) change
	// for the same row.
	Outdated []changeset.Change
	// OriginFiltered holds changes dropped because their origin
	// clientId matched the caller's originatingClientId (spec.md §4.3
	// step 5, §4.7's echo suppression, and property 7 in spec.md §8).
	OriginFiltered []changeset.Change
}

// Result is the outcome of a Dedupe call.
type Result struct {
	Changes         []changeset.Change
	Dropped         Dropped
	Transformations int
}

// Dedupe collapses changes per spec.md §4.3 and orders the survivors
// for apply using hierarchy (spec.md §4.2). originatingClientID may be
// empty to skip origin filtering.
func Dedupe(changes []changeset.Change, originatingClientID string, hierarchy *changeset.Hierarchy) Result {
	var result Result

	byRow := map[changeset.Key][]changeset.Change{}
	for _, c := range changes {
		if c.ID() == "" {
			result.Dropped.MissingID = append(result.Dropped.MissingID, c)
			continue
		}
		key := c.RowKey()
		byRow[key] = append(byRow[key], c)
	}

	// Deterministic iteration order for test stability: rows are
	// processed in (table, id) order, independent of the final
	// apply-order imposed below.
	keys := make([]changeset.Key, 0, len(byRow))
	for k := range byRow {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Table != keys[j].Table {
			return keys[i].Table < keys[j].Table
		}
		return keys[i].ID < keys[j].ID
	})

	var survivors []changeset.Change
	for _, key := range keys {
		candidates := byRow[key]
		retained, outdated, transformed := collapseRow(candidates)
		result.Dropped.Outdated = append(result.Dropped.Outdated, outdated...)
		if transformed {
			result.Transformations++
		}

		if originatingClientID != "" && retained.OriginClientID() == originatingClientID {
			result.Dropped.OriginFiltered = append(result.Dropped.OriginFiltered, retained)
			continue
		}
		survivors = append(survivors, retained)
	}

	if hierarchy != nil {
		survivors = hierarchy.OrderForApply(survivors)
	}
	result.Changes = survivors
	return result
}

// collapseRow implements spec.md §4.3 steps 1-4 for a single row's
// candidate list, returning the retained change, everything dropped
// as outdated, and whether a merge (not a plain keep-the-newer) occurred.
func collapseRow(candidates []changeset.Change) (retained changeset.Change, outdated []changeset.Change, transformed bool) {
	sorted := make([]changeset.Change, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	// Step 2: delete dominance. If any delete is present, the latest
	// delete wins outright; everything else for the row is discarded.
	var latestDelete *changeset.Change
	for i := range sorted {
		if sorted[i].Op == changeset.OpDelete {
			if latestDelete == nil || sorted[i].UpdatedAt.After(latestDelete.UpdatedAt) {
				c := sorted[i]
				latestDelete = &c
			}
		}
	}
	if latestDelete != nil {
		for _, c := range sorted {
			if c.LSN != latestDelete.LSN || c.Op != latestDelete.Op {
				outdated = append(outdated, c)
			}
		}
		return *latestDelete, outdated, false
	}

	// Step 3: fold newest-to-oldest, merging fields with later values
	// winning regardless of op. The folded op is Insert whenever any
	// surviving candidate was an Insert (the row is still net-new from
	// this batch's point of view, even if the newest candidate is an
	// Update on top of it); otherwise it stays Update.
	current := sorted[0]
	hasInsert := current.Op == changeset.OpInsert
	for _, next := range sorted[1:] {
		merged, err := changeset.MergeData(next.Data, current.Data)
		if err == nil {
			current.Data = merged
			transformed = true
		}
		if next.Op == changeset.OpInsert {
			hasInsert = true
		}
		outdated = append(outdated, next)
	}
	if hasInsert {
		if current.Op != changeset.OpInsert {
			current.Op = changeset.OpInsert
			transformed = true
		}
	} else {
		current.Op = changeset.OpUpdate
	}

	return current, outdated, transformed
}
