package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/bond-register/internal/register"
)

// Pool is the subset of *pgxpool.Pool the backend needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS register_events (
	seq         BIGINT PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS register_snapshots (
	event_seq   BIGINT PRIMARY KEY REFERENCES register_events(seq),
	snapshot_id BIGINT NOT NULL,
	coupon_date DATE NOT NULL UNIQUE,
	instant     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS register_snapshot_balances (
	event_seq BIGINT NOT NULL REFERENCES register_snapshots(event_seq),
	account   TEXT NOT NULL,
	balance   BIGINT NOT NULL,
	PRIMARY KEY (event_seq, account)
);
CREATE INDEX IF NOT EXISTS idx_register_events_kind ON register_events(kind);
`

// PostgresBackend stores the archive through pgx.
type PostgresBackend struct {
	Pool Pool
}

func NewPostgresBackend(pool Pool) *PostgresBackend {
	return &PostgresBackend{Pool: pool}
}

func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Append(ctx context.Context, e Entry, snap *StoredSnapshot) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := b.Pool.Begin(queryCtx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	_, err = tx.Exec(queryCtx, `
		INSERT INTO register_events (seq, kind, payload, occurred_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(e.Seq), string(e.Kind), string(e.Payload), e.OccurredAt, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Seq, err)
	}

	if snap != nil {
		tag, err := tx.Exec(queryCtx, `
			INSERT INTO register_snapshots (event_seq, snapshot_id, coupon_date, instant)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (coupon_date) DO NOTHING
		`, int64(e.Seq), int64(snap.ID), register.Day(snap.Date), snap.Instant.UTC())
		if err != nil {
			return fmt.Errorf("insert snapshot %d: %w", snap.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrSnapshotExists, snap.Date.Format(time.DateOnly))
		}
		for account, balance := range snap.Balances {
			_, err = tx.Exec(queryCtx, `
				INSERT INTO register_snapshot_balances (event_seq, account, balance)
				VALUES ($1, $2, $3)
			`, int64(e.Seq), account, balance)
			if err != nil {
				return fmt.Errorf("insert snapshot balance %s: %w", account, err)
			}
		}
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("commit event %d: %w", e.Seq, err)
	}
	return nil
}

func (b *PostgresBackend) Last(ctx context.Context) (uint64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := b.Pool.QueryRow(ctx, `SELECT seq, hash FROM register_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("load last event: %w", err)
	}
	return uint64(seq), hash, nil
}

func (b *PostgresBackend) Entries(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	rows, err := b.Pool.Query(ctx, `
		SELECT seq, kind, payload, occurred_at, prev_hash, hash
		FROM register_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &kind, &payload, &e.OccurredAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = register.EventKind(kind)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Snapshot(ctx context.Context, date time.Time) (*StoredSnapshot, error) {
	day := register.Day(date)
	snap := &StoredSnapshot{Date: day, Balances: make(map[string]int64)}
	var seq, id int64
	err := b.Pool.QueryRow(ctx, `
		SELECT event_seq, snapshot_id, instant FROM register_snapshots WHERE coupon_date = $1
	`, day).Scan(&seq, &id, &snap.Instant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", day.Format(time.DateOnly), err)
	}
	snap.Seq, snap.ID = uint64(seq), uint64(id)
	snap.Instant = snap.Instant.UTC()

	rows, err := b.Pool.Query(ctx, `SELECT account, balance FROM register_snapshot_balances WHERE event_seq = $1`, seq)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d balances: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			account string
			balance int64
		)
		if err := rows.Scan(&account, &balance); err != nil {
			return nil, fmt.Errorf("scan snapshot balance: %w", err)
		}
		snap.Balances[account] = balance
	}
	return snap, rows.Err()
}
