package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/bond-register/internal/register"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS register_events (
	seq         INTEGER PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS register_snapshots (
	event_seq    INTEGER PRIMARY KEY REFERENCES register_events(seq),
	snapshot_id  INTEGER NOT NULL,
	coupon_date  TEXT NOT NULL UNIQUE,
	instant      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS register_snapshot_balances (
	event_seq INTEGER NOT NULL REFERENCES register_snapshots(event_seq),
	account   TEXT NOT NULL,
	balance   INTEGER NOT NULL,
	PRIMARY KEY (event_seq, account)
);

CREATE INDEX IF NOT EXISTS idx_register_events_kind ON register_events(kind);
`

// SQLiteBackend stores the archive in a database/sql sqlite3 handle.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the archive database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite3 serializes writers; a single connection keeps :memory: shared.
	db.SetMaxOpenConns(1)
	b := &SQLiteBackend{db: db}
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend wraps an already-open handle. Call Migrate before use.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Append(ctx context.Context, e Entry, snap *StoredSnapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_events (seq, kind, payload, occurred_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Seq, string(e.Kind), string(e.Payload), e.OccurredAt, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Seq, err)
	}

	if snap != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO register_snapshots (event_seq, snapshot_id, coupon_date, instant)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (coupon_date) DO NOTHING
		`, e.Seq, snap.ID, register.Day(snap.Date).Format(time.RFC3339), snap.Instant.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert snapshot %d: %w", snap.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("%w: %s", ErrSnapshotExists, snap.Date.Format(time.DateOnly))
		}
		for account, balance := range snap.Balances {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO register_snapshot_balances (event_seq, account, balance)
				VALUES (?, ?, ?)
			`, e.Seq, account, balance)
			if err != nil {
				return fmt.Errorf("insert snapshot balance %s: %w", account, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event %d: %w", e.Seq, err)
	}
	return nil
}

func (b *SQLiteBackend) Last(ctx context.Context) (uint64, string, error) {
	var (
		seq  uint64
		hash string
	)
	err := b.db.QueryRowContext(ctx, `SELECT seq, hash FROM register_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("load last event: %w", err)
	}
	return seq, hash, nil
}

func (b *SQLiteBackend) Entries(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, kind, payload, occurred_at, prev_hash, hash
		FROM register_events
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			payload string
		)
		if err := rows.Scan(&e.Seq, &kind, &payload, &e.OccurredAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = register.EventKind(kind)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Snapshot(ctx context.Context, date time.Time) (*StoredSnapshot, error) {
	var (
		seq, id uint64
		instant string
	)
	key := register.Day(date).Format(time.RFC3339)
	err := b.db.QueryRowContext(ctx, `
		SELECT event_seq, snapshot_id, instant FROM register_snapshots WHERE coupon_date = ?
	`, key).Scan(&seq, &id, &instant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap, err := parseSnapshot(id, key, instant)
	if err != nil {
		return nil, err
	}
	snap.Seq = seq

	rows, err := b.db.QueryContext(ctx, `SELECT account, balance FROM register_snapshot_balances WHERE event_seq = ?`, seq)
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

func parseSnapshot(id uint64, date, instant string) (*StoredSnapshot, error) {
	d, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %d date: %w", id, err)
	}
	in, err := time.Parse(time.RFC3339Nano, instant)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %d instant: %w", id, err)
	}
	return &StoredSnapshot{ID: id, Date: d, Instant: in, Balances: make(map[string]int64)}, nil
}
