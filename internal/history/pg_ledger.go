package history

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
)

// PGLedger is the production Ledger backed by the change_history table
// (spec.md §6). The lsn column is text, so range reads, the head lookup
// and truncation cast it to pg_lsn: unpadded hex strings such as "0/A"
// and "0/10" do not sort in LSN order as text. The writer/reader split
// follows the teacher's event log (internal/sync/engine.go's
// InsertServerEvents/GetEventsSince), here translated from an
// autoincrement server_seq to a text LSN key.
type PGLedger struct {
	pool *pgxpool.Pool

	// tailCache holds the most recently appended entries so repeated
	// ReadAfter calls near head (C7's catch-up tail and C8's live
	// broadcast) don't all round-trip to Postgres. Grounded on the
	// teacher's handleSyncSnapshot cache-by-seq idiom
	// (internal/api/sync.go), generalized from "cache a built file" to
	// "cache a hot read range".
	tailCache *tailCache
}

// NewPGLedger wraps pool. cacheSize bounds the number of recent
// entries kept in the hot-tail cache; 0 disables caching.
func NewPGLedger(pool *pgxpool.Pool, cacheSize int) *PGLedger {
	return &PGLedger{pool: pool, tailCache: newTailCache(cacheSize)}
}

func (l *PGLedger) Append(ctx context.Context, change changeset.Change) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO change_history (lsn, table_name, op, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lsn) DO NOTHING`,
		change.LSN.String(), change.Table, string(change.Op), []byte(change.Data), change.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: append lsn=%s: %w", change.LSN, err)
	}
	l.tailCache.push(change)
	return nil
}

func (l *PGLedger) HeadLSN(ctx context.Context) (lsn.LSN, error) {
	if head, ok := l.tailCache.head(); ok {
		return head, nil
	}
	var s *string
	err := l.pool.QueryRow(ctx, `SELECT max(lsn::pg_lsn)::text FROM change_history`).Scan(&s)
	if err != nil {
		return lsn.Zero, fmt.Errorf("history: head: %w", err)
	}
	if s == nil {
		return lsn.Zero, nil
	}
	return lsn.Parse(*s)
}

func (l *PGLedger) ReadAfter(ctx context.Context, from lsn.LSN, limit int) ([]changeset.Change, error) {
	if cached, ok := l.tailCache.readAfter(from, limit); ok {
		return cached, nil
	}

	// LIMIT NULL places no bound, matching MemLedger's limit <= 0.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := l.pool.Query(ctx, `
		SELECT lsn, table_name, op, data, updated_at
		FROM change_history
		WHERE lsn::pg_lsn > $1::pg_lsn
		ORDER BY lsn::pg_lsn ASC
		LIMIT $2`,
		from.String(), limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("history: read after %s: %w", from, err)
	}
	defer rows.Close()

	var out []changeset.Change
	for rows.Next() {
		var lsnStr, table, op string
		var data []byte
		var updatedAt time.Time
		if err := rows.Scan(&lsnStr, &table, &op, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		parsed, err := lsn.Parse(lsnStr)
		if err != nil {
			return nil, fmt.Errorf("history: corrupt lsn %q: %w", lsnStr, err)
		}
		out = append(out, changeset.Change{
			Table: table, Op: changeset.Op(op), Data: data, LSN: parsed, UpdatedAt: updatedAt,
		})
	}
	return out, rows.Err()
}

func (l *PGLedger) TruncateBefore(ctx context.Context, at lsn.LSN) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM change_history WHERE lsn::pg_lsn < $1::pg_lsn`, at.String())
	if err != nil {
		return fmt.Errorf("history: truncate before %s: %w", at, err)
	}
	l.tailCache.truncateBefore(at)
	return nil
}

// tailCache is a small fixed-capacity ring of the most recent ledger
// entries, ordered ascending by LSN.
type tailCache struct {
	mu       sync.RWMutex
	cap      int
	order    *list.List
	byLSN    map[lsn.LSN]*list.Element
}

func newTailCache(capacity int) *tailCache {
	return &tailCache{cap: capacity, order: list.New(), byLSN: map[lsn.LSN]*list.Element{}}
}

func (c *tailCache) push(change changeset.Change) {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byLSN[change.LSN]; exists {
		return
	}
	el := c.order.PushBack(change)
	c.byLSN[change.LSN] = el
	for c.order.Len() > c.cap {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.byLSN, front.Value.(changeset.Change).LSN)
	}
}

func (c *tailCache) head() (lsn.LSN, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.order.Len() == 0 {
		return lsn.Zero, false
	}
	return c.order.Back().Value.(changeset.Change).LSN, true
}

// readAfter serves from cache only when "from" falls within the
// cached window, so a cache miss always falls through to Postgres
// rather than returning a partial result.
func (c *tailCache) readAfter(from lsn.LSN, limit int) ([]changeset.Change, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.order.Len() == 0 {
		return nil, false
	}
	oldest := c.order.Front().Value.(changeset.Change)
	if lsn.Less(from, oldest.LSN) {
		// from predates the cached window: there may be older entries
		// the cache doesn't know about.
		return nil, false
	}
	var out []changeset.Change
	for el := c.order.Front(); el != nil; el = el.Next() {
		c := el.Value.(changeset.Change)
		if lsn.Less(from, c.LSN) {
			out = append(out, c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, true
}

func (c *tailCache) truncateBefore(at lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ch := el.Value.(changeset.Change)
		if lsn.Less(ch.LSN, at) {
			c.order.Remove(el)
			delete(c.byLSN, ch.LSN)
		}
		el = next
	}
}
