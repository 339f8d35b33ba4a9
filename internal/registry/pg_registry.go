package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/lsn"
)

// PGRegistry is the production Registry backed by the client_registry
// table (spec.md §6), grounded on the teacher's sync_cursors.go
// UpsertSyncCursor/GetSyncCursor pair translated from sqlite to pgx.
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry wraps pool.
func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

func (r *PGRegistry) Get(ctx context.Context, clientID string) (Client, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT client_id, profile_id, subject_id, last_ack_lsn, updated_at
		FROM client_registry WHERE client_id = $1`, clientID)
	c, err := scanClient(row)
	if err == pgx.ErrNoRows {
		return Client{}, false, nil
	}
	if err != nil {
		return Client{}, false, fmt.Errorf("registry: get %s: %w", clientID, err)
	}
	return c, true, nil
}

func (r *PGRegistry) Upsert(ctx context.Context, clientID, profileID, subjectID string) (Client, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO client_registry (client_id, profile_id, subject_id, last_ack_lsn, updated_at)
		VALUES ($1, $2, $3, '0/0', now())
		ON CONFLICT (client_id) DO UPDATE
			SET profile_id = excluded.profile_id,
			    subject_id = excluded.subject_id,
			    updated_at = now()
		RETURNING client_id, profile_id, subject_id, last_ack_lsn, updated_at`,
		clientID, profileID, subjectID)
	c, err := scanClient(row)
	if err != nil {
		return Client{}, fmt.Errorf("registry: upsert %s: %w", clientID, err)
	}
	return c, nil
}

// UpdateLastAckLSN advances last_ack_lsn atomically and monotonically:
// the row is locked with SELECT ... FOR UPDATE inside one transaction,
// the stored value is parsed and compared in Go, and a lower or equal
// ack from a stale or reordered client message is a silent no-op
// rather than a rewind. The comparison is not done in SQL because the
// stored text is unpadded hex, whose text ordering differs from LSN
// ordering across differing hex widths.
func (r *PGRegistry) UpdateLastAckLSN(ctx context.Context, clientID string, at lsn.LSN) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
		SELECT last_ack_lsn FROM client_registry WHERE client_id = $1 FOR UPDATE`, clientID).Scan(&current)
	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, `
			INSERT INTO client_registry (client_id, last_ack_lsn, updated_at)
			VALUES ($1, $2, now())`, clientID, at.String())
		if err != nil {
			return fmt.Errorf("registry: insert ack %s: %w", clientID, err)
		}
		return tx.Commit(ctx)
	}
	if err != nil {
		return fmt.Errorf("registry: read ack %s: %w", clientID, err)
	}

	currentLSN, err := lsn.Parse(current)
	if err != nil {
		return fmt.Errorf("registry: corrupt last_ack_lsn %q for %s: %w", current, clientID, err)
	}
	if !lsn.Less(currentLSN, at) {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE client_registry SET last_ack_lsn = $2, updated_at = now() WHERE client_id = $1`,
		clientID, at.String()); err != nil {
		return fmt.Errorf("registry: advance ack %s: %w", clientID, err)
	}
	return tx.Commit(ctx)
}

func (r *PGRegistry) List(ctx context.Context) ([]Client, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT client_id, profile_id, subject_id, last_ack_lsn, updated_at FROM client_registry`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (Client, error) {
	var c Client
	var profileID, subjectID *string
	var lastAck string
	if err := row.Scan(&c.ClientID, &profileID, &subjectID, &lastAck, &c.UpdatedAt); err != nil {
		return Client{}, err
	}
	if profileID != nil {
		c.ProfileID = *profileID
	}
	if subjectID != nil {
		c.SubjectID = *subjectID
	}
	parsed, err := lsn.Parse(lastAck)
	if err != nil {
		return Client{}, fmt.Errorf("corrupt last_ack_lsn %q: %w", lastAck, err)
	}
	c.LastAckLSN = parsed
	return c, nil
}
