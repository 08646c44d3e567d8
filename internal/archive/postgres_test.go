package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

// mockTx records statements; the embedded interface panics on anything else.
type mockTx struct {
	pgx.Tx
	calls      []execCall
	failOn     string
	skipOn     string
	committed  bool
	rolledBack bool
}

func (m *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls = append(m.calls, execCall{sql: sql, args: args})
	if m.failOn != "" && strings.Contains(sql, m.failOn) {
		return pgconn.CommandTag{}, assert.AnError
	}
	if m.skipOn != "" && strings.Contains(sql, m.skipOn) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockTx) Commit(ctx context.Context) error {
	m.committed = true
	return nil
}

func (m *mockTx) Rollback(ctx context.Context) error {
	if !m.committed {
		m.rolledBack = true
	}
	return nil
}

type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *string:
			*p = r.values[i].(string)
		}
	}
	return nil
}

type mockRows struct {
	pgx.Rows
	data [][]any
	pos  int
}

func (r *mockRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	return (&mockRow{values: r.data[r.pos-1]}).Scan(dest...)
}

func (r *mockRows) Close() {}
func (r *mockRows) Err() error { return nil }

type mockPool struct {
	tx   *mockTx
	row  *mockRow
	rows *mockRows
}

func (m *mockPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return m.tx, nil
}

func (m *mockPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.rows, nil
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.row
}

func TestPostgresBackend_AppendSnapshot(t *testing.T) {
	ctx := context.Background()
	pool := &mockPool{tx: &mockTx{}, row: &mockRow{err: pgx.ErrNoRows}}
	a, err := Open(ctx, NewPostgresBackend(pool), nil)
	require.NoError(t, err)

	snapshot := sampleEvents()[2]
	require.NoError(t, a.Record(ctx, snapshot))

	tx := pool.tx
	assert.True(t, tx.committed)
	require.Len(t, tx.calls, 4)
	assert.Contains(t, tx.calls[0].sql, "INSERT INTO register_events")
	assert.Equal(t, int64(1), tx.calls[0].args[0])
	assert.Equal(t, "Snapshot", tx.calls[0].args[1])
	assert.Contains(t, tx.calls[1].sql, "ON CONFLICT (coupon_date) DO NOTHING")
	assert.Equal(t, int64(1), tx.calls[1].args[0])
	assert.Contains(t, tx.calls[2].sql, "register_snapshot_balances")
	assert.Equal(t, int64(1), tx.calls[2].args[0])
}

func TestPostgresBackend_SnapshotNeverReplaced(t *testing.T) {
	ctx := context.Background()
	pool := &mockPool{tx: &mockTx{skipOn: "INSERT INTO register_snapshots"}, row: &mockRow{err: pgx.ErrNoRows}}
	a, err := Open(ctx, NewPostgresBackend(pool), nil)
	require.NoError(t, err)

	err = a.Record(ctx, sampleEvents()[2])
	assert.ErrorIs(t, err, ErrSnapshotExists)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
	require.Len(t, pool.tx.calls, 2)
}

func TestPostgresBackend_AppendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := &mockPool{tx: &mockTx{failOn: "register_snapshots"}, row: &mockRow{err: pgx.ErrNoRows}}
	a, err := Open(ctx, NewPostgresBackend(pool), nil)
	require.NoError(t, err)

	err = a.Record(ctx, sampleEvents()[2])
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestPostgresBackend_ResumesFromLast(t *testing.T) {
	ctx := context.Background()
	last := strings.Repeat("a", 64)
	pool := &mockPool{tx: &mockTx{}, row: &mockRow{values: []any{int64(41), last}}}
	a, err := Open(ctx, NewPostgresBackend(pool), nil)
	require.NoError(t, err)

	require.NoError(t, a.Record(ctx, sampleEvents()[0]))
	args := pool.tx.calls[0].args
	assert.Equal(t, int64(42), args[0])
	assert.Equal(t, last, args[4])
}

func TestPostgresBackend_EntriesAndVerify(t *testing.T) {
	ctx := context.Background()

	// Build a genuine chain through sqlite, then serve it from the pool mock.
	_, src := openSQLite(t)
	for _, e := range sampleEvents() {
		require.NoError(t, src.Record(ctx, e))
	}
	entries, err := src.Entries(ctx, 0, 10)
	require.NoError(t, err)

	var data [][]any
	for _, e := range entries {
		data = append(data, []any{int64(e.Seq), string(e.Kind), string(e.Payload), e.OccurredAt, e.PrevHash, e.Hash})
	}
	pool := &mockPool{row: &mockRow{err: pgx.ErrNoRows}, rows: &mockRows{data: data}}
	b := NewPostgresBackend(pool)

	got, err := b.Entries(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	pool.rows = &mockRows{data: data}
	a, err := Open(ctx, b, nil)
	require.NoError(t, err)

	// Second page is empty.
	first := pool.rows
	b.Pool = &pagedPool{mockPool: pool, pages: []*mockRows{first, {}}}
	report, err := a.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Equal(t, 3, report.Entries)
}

type pagedPool struct {
	*mockPool
	pages []*mockRows
}

func (p *pagedPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	next := p.pages[0]
	p.pages = p.pages[1:]
	return next, nil
}

func TestPostgresBackend_SnapshotNotFound(t *testing.T) {
	pool := &mockPool{row: &mockRow{err: pgx.ErrNoRows}}
	_, err := NewPostgresBackend(pool).Snapshot(context.Background(), couponDate)
	assert.ErrorIs(t, err, ErrNotFound)
}
