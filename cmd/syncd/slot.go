package main

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/httpapi"
	"github.com/vibestack/syncd/internal/ingest"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Manage the Postgres logical replication slot",
}

var slotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the replication slot if it does not already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := httpapi.LoadConfig()
		ctx := cmd.Context()

		conn, err := pgconn.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(ctx)

		result, err := pglogrepl.CreateReplicationSlot(ctx, conn, cfg.ReplicationSlotName, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{Temporary: false, Mode: pglogrepl.LogicalReplication})
		if err != nil {
			return fmt.Errorf("create slot %s: %w", cfg.ReplicationSlotName, err)
		}
		fmt.Printf("created slot %s at LSN %s\n", result.SlotName, result.ConsistentPoint)
		return nil
	},
}

var slotDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the replication slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := httpapi.LoadConfig()
		ctx := cmd.Context()

		conn, err := pgconn.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(ctx)

		if err := pglogrepl.DropReplicationSlot(ctx, conn, cfg.ReplicationSlotName,
			pglogrepl.DropReplicationSlotOptions{}); err != nil {
			return fmt.Errorf("drop slot %s: %w", cfg.ReplicationSlotName, err)
		}
		fmt.Printf("dropped slot %s\n", cfg.ReplicationSlotName)
		return nil
	},
}

var slotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the slot's last saved checkpoint LSN",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := httpapi.LoadConfig()
		ctx := cmd.Context()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()

		checkpoint := ingest.NewPGCheckpointStore(pool)
		at, err := checkpoint.Load(ctx, cfg.ReplicationSlotName)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		fmt.Printf("slot:       %s\n", cfg.ReplicationSlotName)
		fmt.Printf("checkpoint: %s\n", at.String())
		return nil
	},
}

func init() {
	slotCmd.AddCommand(slotCreateCmd, slotDropCmd, slotStatusCmd)
}
