// Package engine wires C4 through C10 into one explicit handle, owned
// and constructed by cmd/syncd serve, replacing the implicit package-
// level singletons the original design used (spec.md §9 design note).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/vibestack/syncd/internal/broadcast"
	"github.com/vibestack/syncd/internal/catchup"
	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/ingest"
	"github.com/vibestack/syncd/internal/registry"
	"github.com/vibestack/syncd/internal/schema"
	"github.com/vibestack/syncd/internal/submit"
	"github.com/vibestack/syncd/internal/wssession"
)

// Config is the subset of httpapi.Config the engine needs to construct
// its components, passed in rather than importing httpapi (engine sits
// below the HTTP layer).
type Config struct {
	DatabaseURL            string
	ReplicationSlotName    string
	ReplicationPublication string
	CatchupChunkSize       int
	HeartbeatInterval      time.Duration
	AckTimeout             time.Duration
	OutboundQueueDepth     int
	BackpressureTimeout    time.Duration
}

// Engine is the explicit handle owning the sync daemon's core
// components: the Postgres pool, the replication ingester (C5), the
// change-history ledger (C4), the live broadcaster (C8), the catch-up
// engine (C7), the client registry (C6), and the submission path
// (C10). internal/wssession (C9) and internal/httpapi consume it.
type Engine struct {
	Pool      *pgxpool.Pool
	Hierarchy *changeset.Hierarchy
	Ledger    history.Ledger
	Registry  registry.Registry
	Broadcast *broadcast.Broadcaster
	Catchup   *catchup.Engine
	Submit    *submit.Path
	Sessions  *wssession.Manager

	ingester *ingest.Ingester
	log      *slog.Logger
}

// New connects to Postgres, applies pending migrations, and wires
// every component together. It does not start the ingester; call Run
// for that once the caller is ready to accept WebSocket connections.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Engine, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("engine: connect: %w", err)
	}

	if _, err := schema.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("engine: migrate: %w", err)
	}

	hierarchy := schema.NewHierarchy()
	ledger := history.NewPGLedger(pool, 1000)
	reg := registry.NewPGRegistry(pool)
	bcast := broadcast.New(cfg.BackpressureTimeout, log.With(slog.String("component", "broadcast")))
	catchupEngine := catchup.New(ledger, hierarchy, cfg.CatchupChunkSize)
	submitPath := submit.New(pool, hierarchy)

	checkpoint := ingest.NewPGCheckpointStore(pool)
	replicationDSN := cfg.DatabaseURL
	ingester := ingest.New(ingest.Config{
		ReplicationDSN: replicationDSN,
		SlotName:       cfg.ReplicationSlotName,
		Publication:    cfg.ReplicationPublication,
	}, ledger, bcast, checkpoint, log.With(slog.String("component", "ingest")))

	return &Engine{
		Pool:      pool,
		Hierarchy: hierarchy,
		Ledger:    ledger,
		Registry:  reg,
		Broadcast: bcast,
		Catchup:   catchupEngine,
		Submit:    submitPath,
		Sessions:  wssession.NewManager(),
		ingester:  ingester,
		log:       log,
	}, nil
}

// Run starts the replication ingester and blocks until ctx is
// cancelled. The ingester retries every connection failure with
// backoff, so Run returns only after cancellation. Callers typically
// run this in an errgroup alongside the HTTP listener.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.ingester.Run(ctx)
	})
	return g.Wait()
}

// Shutdown closes the Postgres pool. Call after the HTTP listener and
// all sessions have stopped.
func (e *Engine) Shutdown(context.Context) error {
	e.Pool.Close()
	return nil
}
