package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/lsn"
)

// CheckpointStore persists the highest LSN the ingester has durably
// appended to C4, so a restart resumes the replication slot instead of
// replaying from the beginning (spec.md §4.5).
type CheckpointStore interface {
	Load(ctx context.Context, slotName string) (lsn.LSN, error)
	Save(ctx context.Context, slotName string, at lsn.LSN) error
}

// MemCheckpointStore is an in-process CheckpointStore for tests.
type MemCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]lsn.LSN
}

func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{saved: map[string]lsn.LSN{}}
}

func (s *MemCheckpointStore) Load(_ context.Context, slotName string) (lsn.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[slotName], nil
}

func (s *MemCheckpointStore) Save(_ context.Context, slotName string, at lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[slotName] = at
	return nil
}

// PGCheckpointStore persists to the replication_checkpoint table.
type PGCheckpointStore struct {
	pool *pgxpool.Pool
}

func NewPGCheckpointStore(pool *pgxpool.Pool) *PGCheckpointStore {
	return &PGCheckpointStore{pool: pool}
}

func (s *PGCheckpointStore) Load(ctx context.Context, slotName string) (lsn.LSN, error) {
	var confirmed string
	err := s.pool.QueryRow(ctx,
		`SELECT confirmed_lsn FROM replication_checkpoint WHERE slot_name = $1`, slotName).Scan(&confirmed)
	if err == pgx.ErrNoRows {
		return lsn.Zero, nil
	}
	if err != nil {
		return lsn.Zero, fmt.Errorf("ingest: load checkpoint %s: %w", slotName, err)
	}
	return lsn.Parse(confirmed)
}

func (s *PGCheckpointStore) Save(ctx context.Context, slotName string, at lsn.LSN) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replication_checkpoint (slot_name, confirmed_lsn)
		VALUES ($1, $2)
		ON CONFLICT (slot_name) DO UPDATE SET confirmed_lsn = excluded.confirmed_lsn`,
		slotName, at.String())
	if err != nil {
		return fmt.Errorf("ingest: save checkpoint %s: %w", slotName, err)
	}
	return nil
}
