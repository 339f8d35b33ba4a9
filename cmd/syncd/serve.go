package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vibestack/syncd/internal/engine"
	"github.com/vibestack/syncd/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon's HTTP/WebSocket listener and replication ingester",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(rootCtx context.Context) error {
	cfg := httpapi.LoadConfig()

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, engine.Config{
		DatabaseURL:            cfg.DatabaseURL,
		ReplicationSlotName:    cfg.ReplicationSlotName,
		ReplicationPublication: cfg.ReplicationPublication,
		CatchupChunkSize:       cfg.CatchupChunkSize,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		AckTimeout:             cfg.AckTimeout,
		OutboundQueueDepth:     cfg.OutboundQueueDepth,
		BackpressureTimeout:    cfg.BackpressureTimeout,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv := httpapi.NewServer(cfg, eng, slog.Default())
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting new upgrades first, then give in-flight sessions a
	// chance to drain before the replication ingester and pool go away
	// underneath them (spec.md's graceful shutdown ordering).
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	waitForDrain(shutdownCtx, eng)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		slog.Error("ingester stopped with error", "err", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown", "err", err)
	}
	return nil
}

func waitForDrain(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if eng.Sessions.Count() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown timeout reached with sessions still open", "count", eng.Sessions.Count())
			return
		case <-ticker.C:
		}
	}
}
