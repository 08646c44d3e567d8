package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by PostgresClientStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const clientsSchema = `
CREATE TABLE IF NOT EXISTS register_clients (
	client_id   TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	account     TEXT NOT NULL,
	scopes      TEXT[] NOT NULL DEFAULT '{}'
);`

type PostgresClientStore struct {
	Pool Querier
}

func (s *PostgresClientStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, clientsSchema); err != nil {
		return fmt.Errorf("migrate clients: %w", err)
	}
	return nil
}

// Upsert stores c, replacing any client with the same id.
func (s *PostgresClientStore) Upsert(ctx context.Context, c Client) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO register_clients (client_id, secret_hash, account, scopes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE
		SET secret_hash = EXCLUDED.secret_hash, account = EXCLUDED.account, scopes = EXCLUDED.scopes`,
		c.ID, c.SecretHash, c.Account, c.Scopes)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var c Client
	err := s.Pool.QueryRow(ctx,
		`SELECT client_id, secret_hash, account, scopes FROM register_clients WHERE client_id = $1`,
		clientID).Scan(&c.ID, &c.SecretHash, &c.Account, &c.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	return &c, nil
}
