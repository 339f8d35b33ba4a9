// Package schema holds the static (table, column-set) descriptors, the
// table dependency DAG, and the DDL for the sync engine's Postgres
// tables. Spec.md §9 calls for schema-light records instead of an ORM
// runtime in the sync path: this package is the generated-by-hand
// equivalent of that descriptor set.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/changeset"
)

// DomainTables lists the four tables spec.md §1 names as the shared
// relational dataset clients replicate.
var DomainTables = []string{"users", "projects", "tasks", "comments"}

// Parents is the static dependency DAG from spec.md §3: "users" is a
// root; "projects" references "users"; "tasks" references "projects";
// "comments" references "tasks". Each edge A->B means rows in A
// reference rows in B (B is the parent, applied first).
var Parents = map[string][]string{
	"users":    {},
	"projects": {"users"},
	"tasks":    {"projects"},
	"comments": {"tasks"},
}

// NewHierarchy builds the changeset.Hierarchy for the domain tables.
// Panics on a cyclic Parents map, which would indicate a programming
// error in this package, not a runtime condition.
func NewHierarchy() *changeset.Hierarchy {
	h, err := changeset.NewHierarchy(Parents)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return h
}

// IsDomainTable reports whether table is one of the four syncable
// domain tables.
func IsDomainTable(table string) bool {
	for _, t := range DomainTables {
		if t == table {
			return true
		}
	}
	return false
}

// Migration is one forward-only DDL step, applied in ascending Version
// order and recorded so it runs at most once.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// CurrentVersion is the schema version this binary expects.
const CurrentVersion = 1

// Migrations is the ordered list of schema migrations. New migrations
// are appended with an incremented Version; existing entries are never
// edited once released.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: domain tables, change history, client registry, replication checkpoint",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id         uuid PRIMARY KEY,
				client_id  uuid,
				updated_at timestamptz NOT NULL DEFAULT now(),
				data       jsonb NOT NULL DEFAULT '{}'::jsonb
			);
			CREATE TABLE IF NOT EXISTS projects (
				id         uuid PRIMARY KEY,
				user_id    uuid REFERENCES users(id),
				client_id  uuid,
				updated_at timestamptz NOT NULL DEFAULT now(),
				data       jsonb NOT NULL DEFAULT '{}'::jsonb
			);
			CREATE TABLE IF NOT EXISTS tasks (
				id         uuid PRIMARY KEY,
				project_id uuid REFERENCES projects(id),
				client_id  uuid,
				updated_at timestamptz NOT NULL DEFAULT now(),
				data       jsonb NOT NULL DEFAULT '{}'::jsonb
			);
			CREATE TABLE IF NOT EXISTS comments (
				id         uuid PRIMARY KEY,
				task_id    uuid REFERENCES tasks(id),
				client_id  uuid,
				updated_at timestamptz NOT NULL DEFAULT now(),
				data       jsonb NOT NULL DEFAULT '{}'::jsonb
			);

			CREATE TABLE IF NOT EXISTS change_history (
				lsn         text PRIMARY KEY,
				table_name  text NOT NULL,
				op          text NOT NULL,
				data        jsonb NOT NULL,
				updated_at  timestamptz NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_change_history_table_id
				ON change_history (table_name, (data->>'id'));

			CREATE TABLE IF NOT EXISTS client_registry (
				client_id     uuid PRIMARY KEY,
				profile_id    text,
				subject_id    text,
				last_ack_lsn  text NOT NULL DEFAULT '0/0',
				updated_at    timestamptz NOT NULL DEFAULT now()
			);

			CREATE TABLE IF NOT EXISTS replication_checkpoint (
				slot_name      text PRIMARY KEY,
				confirmed_lsn  text NOT NULL
			);

			CREATE TABLE IF NOT EXISTS schema_info (key text PRIMARY KEY, value text NOT NULL);
		`,
	},
}

// Migrate applies any pending migrations against pool, tracking the
// applied version in schema_info — the Postgres analogue of the
// teacher's sqlite schema_info/RunMigrations pattern.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_info (key text PRIMARY KEY, value text NOT NULL)`); err != nil {
		return 0, fmt.Errorf("schema: create schema_info: %w", err)
	}

	current := 0
	row := pool.QueryRow(ctx, `SELECT value FROM schema_info WHERE key = 'version'`)
	var v string
	if err := row.Scan(&v); err == nil {
		fmt.Sscanf(v, "%d", &current)
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return applied, fmt.Errorf("schema: migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO schema_info (key, value) VALUES ('version', $1)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", m.Version)); err != nil {
			return applied, fmt.Errorf("schema: record migration %d: %w", m.Version, err)
		}
		applied++
	}
	return applied, nil
}
