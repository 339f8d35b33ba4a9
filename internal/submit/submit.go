// Package submit implements the client-submission path (C10, spec.md
// §4.10): validates a client_submit batch, dedupes and orders it, and
// applies it in one database transaction.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/conflict"
	"github.com/vibestack/syncd/internal/dedup"
	"github.com/vibestack/syncd/internal/lsn"
	"github.com/vibestack/syncd/internal/schema"
)

// foreignKeyViolation is the Postgres SQLSTATE for a FK constraint failure.
const foreignKeyViolation = "23503"

// Rejected describes one row that could not be applied.
type Rejected struct {
	Table  string
	ID     string
	Reason string
}

// Result is the outcome of Apply.
type Result struct {
	ResultingLSN lsn.LSN
	Rejected     []Rejected
}

// ErrClientIDMismatch is returned when a change's originating clientId
// does not match the session's clientId (spec.md §4.10 step 1).
var ErrClientIDMismatch = errors.New("submit: change clientId does not match session clientId")

// Path is the C10 component.
type Path struct {
	pool      *pgxpool.Pool
	hierarchy *changeset.Hierarchy
}

// New constructs a submission Path.
func New(pool *pgxpool.Pool, hierarchy *changeset.Hierarchy) *Path {
	return &Path{pool: pool, hierarchy: hierarchy}
}

// Apply runs the full C10 pipeline for one client_submit batch: origin
// validation, C3 dedup, C2 ordering, then a single transactional apply
// with upsert-on-conflict for non-deletes and delete-by-id for
// deletes. A foreign-key violation triggers one reorder retry via C2;
// a row that still fails is reported in Result.Rejected and the
// remaining rows still commit.
func (p *Path) Apply(ctx context.Context, sessionClientID string, changes []changeset.Change) (Result, error) {
	for _, c := range changes {
		if origin := c.OriginClientID(); origin != "" && origin != sessionClientID {
			return Result{}, fmt.Errorf("%w: change origin=%q session=%q", ErrClientIDMismatch, origin, sessionClientID)
		}
	}

	deduped := dedup.Dedupe(changes, "", p.hierarchy)
	ordered := p.hierarchy.OrderForApply(deduped.Changes)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("submit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var rejected []Rejected
	var maxLSN lsn.LSN
	remaining := ordered

	for len(remaining) > 0 {
		failed, err := applyAll(ctx, tx, remaining)
		if err != nil {
			return Result{}, fmt.Errorf("submit: apply: %w", err)
		}
		if len(failed) == 0 {
			for _, c := range remaining {
				maxLSN = lsn.Max(maxLSN, c.LSN)
			}
			break
		}
		if len(failed) == len(remaining) {
			// Every row failed on the first pass, so nothing changed and a
			// reorder of the same set cannot help: reject them all.
			for _, f := range failed {
				rejected = append(rejected, Rejected{Table: f.c.Table, ID: f.c.ID(), Reason: f.reason})
			}
			break
		}

		succeeded := subtract(remaining, failed)
		for _, c := range succeeded {
			maxLSN = lsn.Max(maxLSN, c.LSN)
		}

		// One reorder retry via C2 for the rows that failed on FK
		// violation (spec.md §4.10 failure modes).
		retryBatch := make([]changeset.Change, 0, len(failed))
		for _, f := range failed {
			retryBatch = append(retryBatch, f.c)
		}
		reordered := p.hierarchy.OrderForApply(retryBatch)

		stillFailed, err := applyAll(ctx, tx, reordered)
		if err != nil {
			return Result{}, fmt.Errorf("submit: retry apply: %w", err)
		}
		for _, f := range stillFailed {
			rejected = append(rejected, Rejected{Table: f.c.Table, ID: f.c.ID(), Reason: f.reason})
		}
		succeededRetry := subtract(reordered, stillFailed)
		for _, c := range succeededRetry {
			maxLSN = lsn.Max(maxLSN, c.LSN)
		}
		break
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("submit: commit: %w", err)
	}

	return Result{ResultingLSN: maxLSN, Rejected: rejected}, nil
}

type applyFailure struct {
	c      changeset.Change
	reason string
}

// applyAll applies each change within the already-open transaction,
// using a savepoint per row so one row's failure doesn't abort the
// whole transaction for the others.
func applyAll(ctx context.Context, tx pgx.Tx, changes []changeset.Change) ([]applyFailure, error) {
	var failures []applyFailure
	for i, c := range changes {
		spName := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+pq.QuoteIdentifier(spName)); err != nil {
			return nil, err
		}

		err := applyOne(ctx, tx, c)
		if err == nil {
			if _, relErr := tx.Exec(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(spName)); relErr != nil {
				return nil, relErr
			}
			continue
		}

		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(spName)); rbErr != nil {
			return nil, rbErr
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			failures = append(failures, applyFailure{c: c, reason: "foreign key violation"})
			continue
		}
		return nil, err
	}
	return failures, nil
}

func applyOne(ctx context.Context, tx pgx.Tx, c changeset.Change) error {
	if !schema.IsDomainTable(c.Table) {
		return fmt.Errorf("submit: unknown table %q", c.Table)
	}
	id := c.ID()
	if id == "" {
		return fmt.Errorf("submit: change has no id")
	}

	table := pq.QuoteIdentifier(c.Table)

	existing, found, err := currentRow(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if found && !conflict.Beats(c, existing) {
		// A row already present with a higher-priority (updatedAt,
		// clientId) loses this submission; C5/C8 will still let the
		// loser converge to the winner on its next live_changes.
		return nil
	}

	if c.Op == changeset.OpDelete {
		_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
		return err
	}

	clientID := c.OriginClientID()
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, client_id, updated_at, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
			SET client_id = excluded.client_id,
			    updated_at = excluded.updated_at,
			    data = excluded.data`, table),
		id, clientID, c.UpdatedAt, []byte(c.Data))
	return err
}

// currentRow reads the row's client_id/updated_at/data so C11 can
// arbitrate this submission against whatever is already persisted.
// quotedTable must already be identifier-quoted.
func currentRow(ctx context.Context, tx pgx.Tx, quotedTable, id string) (changeset.Change, bool, error) {
	var clientID *string
	var updatedAt time.Time
	var data []byte
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT client_id, updated_at, data FROM %s WHERE id = $1 FOR UPDATE`, quotedTable), id).
		Scan(&clientID, &updatedAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return changeset.Change{}, false, nil
	}
	if err != nil {
		return changeset.Change{}, false, err
	}

	fields := map[string]any{"id": id}
	if clientID != nil {
		fields["clientId"] = *clientID
	}
	var inner map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inner); err == nil {
			for k, v := range inner {
				fields[k] = v
			}
		}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return changeset.Change{}, false, err
	}
	return changeset.Change{Op: changeset.OpUpdate, Data: encoded, UpdatedAt: updatedAt}, true, nil
}

func subtract(all []changeset.Change, failed []applyFailure) []changeset.Change {
	skip := map[changeset.Key]bool{}
	for _, f := range failed {
		skip[f.c.RowKey()] = true
	}
	var out []changeset.Change
	for _, c := range all {
		if !skip[c.RowKey()] {
			out = append(out, c)
		}
	}
	return out
}
