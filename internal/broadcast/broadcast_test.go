package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
	"github.com/vibestack/syncd/internal/protocol"
)

type fakeSub struct {
	id        string
	mu        sync.Mutex
	received  []changeset.Change
	stall     bool
	closed    bool
	closeCode int
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Deliver(ctx context.Context, changes []changeset.Change) Outcome {
	if f.stall {
		<-ctx.Done()
		return OutcomeSlowConsumer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, changes...)
	return OutcomeDelivered
}

func (f *fakeSub) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeSub) wasClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func (f *fakeSub) snapshot() []changeset.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]changeset.Change, len(f.received))
	copy(out, f.received)
	return out
}

func mkChange(l string) changeset.Change {
	data, _ := json.Marshal(map[string]string{"id": "x"})
	return changeset.Change{Table: "tasks", Op: changeset.OpInsert, Data: data, LSN: lsn.MustParse(l)}
}

func TestPublishDeliversToSubscribedSessionOnly(t *testing.T) {
	b := New(time.Second, slog.Default())
	sub := &fakeSub{id: "s1"}
	b.Subscribe(sub, lsn.Zero)

	b.Publish(context.Background(), mkChange("0/1"))
	require.Len(t, sub.snapshot(), 1)
}

func TestPublishSkipsAlreadyPastCursor(t *testing.T) {
	b := New(time.Second, slog.Default())
	sub := &fakeSub{id: "s1"}
	b.Subscribe(sub, lsn.MustParse("0/5"))

	b.Publish(context.Background(), mkChange("0/3"))
	require.Empty(t, sub.snapshot())

	b.Publish(context.Background(), mkChange("0/9"))
	require.Len(t, sub.snapshot(), 1)
}

// TestSlowConsumerIsolation is spec.md §8 property 8 / scenario S6:
// a stalled session is unsubscribed and closed with SlowConsumer,
// without affecting a healthy one.
func TestSlowConsumerIsolation(t *testing.T) {
	b := New(20*time.Millisecond, slog.Default())
	slow := &fakeSub{id: "slow", stall: true}
	healthy := &fakeSub{id: "healthy"}
	b.Subscribe(slow, lsn.Zero)
	b.Subscribe(healthy, lsn.Zero)

	b.Publish(context.Background(), mkChange("0/1"))

	require.Equal(t, 1, b.SubscriberCount())
	require.Len(t, healthy.snapshot(), 1)

	closed, code := slow.wasClosed()
	require.True(t, closed)
	require.Equal(t, protocol.CloseSlowConsumer, code)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(time.Second, slog.Default())
	sub := &fakeSub{id: "s1"}
	b.Subscribe(sub, lsn.Zero)
	b.Unsubscribe("s1")

	b.Publish(context.Background(), mkChange("0/1"))
	require.Empty(t, sub.snapshot())
}
