// Package broadcast implements the live change fan-out (C8, spec.md
// §4.8): a read-mostly subscriber map, and a Publish call that delivers
// each newly-ingested change to every subscribed session's bounded
// outbound queue. Publish runs on its caller's goroutine (the
// ingester's); the package starts no task of its own.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
	"github.com/vibestack/syncd/internal/protocol"
)

// Outcome of offering a change to a subscriber's queue.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeSlowConsumer
)

// Subscriber is the broadcaster's view of one live session (C9).
// Deliver must not block the caller beyond backpressureTimeout; it
// returns OutcomeSlowConsumer if the session's queue stayed full that
// long (spec.md §5's T_bp). Close is called by the broadcaster itself
// when it gives up on a slow consumer, so the session actually
// terminates instead of merely dropping off the subscriber map.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, changes []changeset.Change) Outcome
	Close(code int, reason string)
}

// Broadcaster is the C8 component. Zero value is not usable; use New.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]subscription
	log         *slog.Logger

	backpressureTimeout time.Duration
}

type subscription struct {
	sub    Subscriber
	cursor lsn.LSN
}

// New returns a Broadcaster. backpressureTimeout is T_bp (spec.md §5,
// default 30s); a session stuck past this is unsubscribed and closed
// with SlowConsumer.
func New(backpressureTimeout time.Duration, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers:         map[string]subscription{},
		log:                 log,
		backpressureTimeout: backpressureTimeout,
	}
}

// Subscribe registers sub with its current cursor L_S (the LSN of the
// last change the session has already observed, typically lastAckLSN
// after catch-up completes). Subsequent Publish calls for LSNs greater
// than cursor are delivered to sub exactly once.
func (b *Broadcaster) Subscribe(sub Subscriber, cursor lsn.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.ID()] = subscription{sub: sub, cursor: cursor}
}

// Unsubscribe removes a session from delivery. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sessionID)
}

// AdvanceCursor updates the delivered-through watermark for a session,
// called once the session's reader pump receives changes_received for
// a batch. The cursor only ever moves forward: a value not greater
// than the stored one is ignored.
func (b *Broadcaster) AdvanceCursor(sessionID string, at lsn.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	if lsn.Less(s.cursor, at) {
		s.cursor = at
		b.subscribers[sessionID] = s
	}
}

// Publish is the ingester's (C5) entry point: change was just
// durably appended to C4 at change.LSN. Publish fans it out to every
// subscriber whose cursor is behind change.LSN. A subscriber whose
// Deliver reports SlowConsumer (stuck past backpressureTimeout) is
// dropped from the subscriber map and closed by Publish with
// CloseSlowConsumer.
func (b *Broadcaster) Publish(ctx context.Context, change changeset.Change) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if lsn.Less(s.cursor, change.LSN) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		deliverCtx, cancel := context.WithTimeout(ctx, b.backpressureTimeout)
		outcome := t.sub.Deliver(deliverCtx, []changeset.Change{change})
		cancel()

		if outcome == OutcomeSlowConsumer {
			b.log.Warn("session exceeded backpressure budget, closing",
				slog.String("session", t.sub.ID()))
			b.Unsubscribe(t.sub.ID())
			t.sub.Close(protocol.CloseSlowConsumer, "slow consumer")
			continue
		}
		b.mu.Lock()
		if cur, ok := b.subscribers[t.sub.ID()]; ok && lsn.Less(cur.cursor, change.LSN) {
			cur.cursor = change.LSN
			b.subscribers[t.sub.ID()] = cur
		}
		b.mu.Unlock()
	}
}

// SubscriberCount reports the number of currently subscribed sessions,
// used by the metrics/status endpoint.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
