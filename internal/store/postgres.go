package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gaslessrelay/internal/intent"
)

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS relay_intents (
    id TEXT PRIMARY KEY,
    sender TEXT NOT NULL,
    nonce BIGINT NOT NULL,
    status TEXT NOT NULL,
    record JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_intents_status_idx ON relay_intents (status, created_at);
CREATE TABLE IF NOT EXISTS relay_sender_nonces (
    sender TEXT PRIMARY KEY,
    next_nonce BIGINT NOT NULL
);
`

const terminalStatuses = `('confirmed', 'rejected', 'expired', 'failed')`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*intent.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT record FROM relay_intents WHERE id = $1`, id)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecord(blob)
}

// Save upserts rec unless the stored row is already terminal.
func (p *PostgresStore) Save(ctx context.Context, rec *intent.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO relay_intents (id, sender, nonce, status, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    record = EXCLUDED.record,
    updated_at = EXCLUDED.updated_at
WHERE relay_intents.status NOT IN `+terminalStatuses,
		rec.ID,
		strings.ToLower(rec.Intent.From.Hex()),
		int64(rec.Intent.Nonce),
		string(rec.Status),
		blob,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", intent.ErrTerminal, rec.ID)
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context) ([]*intent.Record, error) {
	rows, err := p.pool.Query(ctx, `
SELECT record FROM relay_intents
WHERE status NOT IN `+terminalStatuses+`
ORDER BY created_at, id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*intent.Record
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LoadNonce(ctx context.Context, sender common.Address) (uint64, bool, error) {
	var next int64
	err := p.pool.QueryRow(ctx,
		`SELECT next_nonce FROM relay_sender_nonces WHERE sender = $1`,
		strings.ToLower(sender.Hex()),
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(next), true, nil
}

// SaveNonce never moves a counter backwards.
func (p *PostgresStore) SaveNonce(ctx context.Context, sender common.Address, next uint64) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO relay_sender_nonces (sender, next_nonce)
VALUES ($1, $2)
ON CONFLICT (sender) DO UPDATE
SET next_nonce = GREATEST(relay_sender_nonces.next_nonce, EXCLUDED.next_nonce)
`, strings.ToLower(sender.Hex()), int64(next))
	return err
}

func decodeRecord(blob []byte) (*intent.Record, error) {
	var rec intent.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
