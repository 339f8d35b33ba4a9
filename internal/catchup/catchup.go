// Package catchup implements the chunked history replay engine (C7,
// spec.md §4.7): given (clientId, fromLSN, toLSN), it streams the
// change history in fixed-size, acknowledgement-gated chunks.
package catchup

import (
	"context"
	"fmt"
	"sort"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/dedup"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/lsn"
)

// DefaultChunkSize is spec.md §6's CATCHUP_CHUNK_SIZE default.
const DefaultChunkSize = 500

// Chunk is one unit of replay, labeled per spec.md §4.7.
type Chunk struct {
	Changes []changeset.Change
	Index   int // 1-based
	Total   int
	LastLSN lsn.LSN
}

// Sender is how the engine hands chunks (and the final completion) to
// the session (C9); implemented by the wssession writer pump.
type Sender interface {
	SendChunk(ctx context.Context, chunk Chunk) error
	SendCompleted(ctx context.Context, lastLSN lsn.LSN) error
}

// AckWaiter blocks until the session receives catchup_received for the
// given chunk index, or returns an error on timeout/disconnect (T_ack,
// spec.md §5).
type AckWaiter interface {
	WaitAck(ctx context.Context, chunkIndex int) error
}

// Engine is the C7 component. Stateless between calls: fromLSN/toLSN
// are recomputed by the caller from C6 on every (re)connect, since
// spec.md §4.7 requires progress to NOT persist across a disconnect.
type Engine struct {
	ledger     history.Ledger
	hierarchy  *changeset.Hierarchy
	chunkSize  int
}

// New constructs a catch-up Engine. chunkSize <= 0 uses DefaultChunkSize.
func New(ledger history.Ledger, hierarchy *changeset.Hierarchy, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{ledger: ledger, hierarchy: hierarchy, chunkSize: chunkSize}
}

// Run streams (fromLSN, toLSN] to sender in chunks, gating each chunk
// on the prior chunk's acknowledgement via ack. clientID is passed to
// C3 as originatingClientId so the client's own echoed writes are
// filtered from its own catch-up stream (spec.md §4.7).
//
// If fromLSN >= toLSN, Run immediately sends a zero-chunk completion.
func (e *Engine) Run(ctx context.Context, clientID string, fromLSN, toLSN lsn.LSN, sender Sender, ack AckWaiter) error {
	if !lsn.Less(fromLSN, toLSN) {
		return sender.SendCompleted(ctx, toLSN)
	}

	all, err := e.ledger.ReadAfter(ctx, fromLSN, 0)
	if err != nil {
		return fmt.Errorf("catchup: read history: %w", err)
	}

	var bounded []changeset.Change
	for _, c := range all {
		if lsn.Less(toLSN, c.LSN) {
			break
		}
		bounded = append(bounded, c)
	}

	result := dedup.Dedupe(bounded, clientID, e.hierarchy)
	changes := result.Changes

	// Dedupe orders survivors for apply (table-hierarchy level), not by
	// LSN; re-sort ascending by LSN here so each chunk's lastLSN only
	// moves forward, as spec.md §4.7 requires for resumable catch-up.
	sort.Slice(changes, func(i, j int) bool {
		return lsn.Less(changes[i].LSN, changes[j].LSN)
	})

	chunks := chunkify(changes, e.chunkSize)
	total := len(chunks)

	for i, batch := range chunks {
		chunk := Chunk{Changes: batch, Index: i + 1, Total: total, LastLSN: batch[len(batch)-1].LSN}

		if err := sender.SendChunk(ctx, chunk); err != nil {
			return fmt.Errorf("catchup: send chunk %d/%d: %w", chunk.Index, total, err)
		}
		if err := ack.WaitAck(ctx, chunk.Index); err != nil {
			return fmt.Errorf("catchup: ack chunk %d/%d: %w", chunk.Index, total, err)
		}
	}

	return sender.SendCompleted(ctx, toLSN)
}

// HeadLSN reports the ledger's current maximum LSN, used by the
// session as the upper bound for a catch-up pass so a live broadcast
// racing with catch-up can never be delivered twice.
func (e *Engine) HeadLSN(ctx context.Context) (lsn.LSN, error) {
	return e.ledger.HeadLSN(ctx)
}

func chunkify(changes []changeset.Change, size int) [][]changeset.Change {
	if len(changes) == 0 {
		return nil
	}
	var out [][]changeset.Change
	for i := 0; i < len(changes); i += size {
		end := i + size
		if end > len(changes) {
			end = len(changes)
		}
		out = append(out, changes[i:end])
	}
	return out
}
