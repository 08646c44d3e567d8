package register

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bond-register/internal/access"
)

const (
	cak       = "cak"
	bnd       = "bnd"
	custodian = "custodian"
	payer     = "payer"
	investorA = "investor-a"
	investorB = "investor-b"
	stranger  = "stranger"
)

var (
	issuance = date(2024, time.January, 10)
	d1       = date(2024, time.March, 1)
	d2       = date(2024, time.June, 1)
	d3       = date(2024, time.September, 1)
	maturity = date(2024, time.December, 1)
	cutOff   = 17 * time.Hour
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testTerms() BondTerms {
	return BondTerms{
		Name:           "EIB 3Y 1Bn SEK",
		ISIN:           "EIB3Y",
		Currency:       "SEK",
		UnitValue:      100000,
		CouponRate:     4000,
		RateScale:      10000,
		CreationDate:   date(2024, time.January, 2),
		IssuanceDate:   issuance,
		MaturityDate:   maturity,
		CutOffTime:     int64(cutOff / time.Second),
		ExpectedSupply: 1000,
		CouponDates:    []time.Time{d1, d2, d3},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeInstrument struct {
	id      string
	date    time.Time
	settled bool
}

func (f *fakeInstrument) ID() string { return f.id }

func (f *fakeInstrument) SettlementDate() time.Time { return f.date }

func (f *fakeInstrument) Settled(holders []string) bool { return f.settled }

type fixture struct {
	reg   *Register
	acl   *access.Manager
	clock *ManualClock
	sink  *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	acl := access.NewManager()
	require.NoError(t, acl.Grant(cak, access.RoleIssuerAdmin))
	require.NoError(t, acl.Grant(bnd, access.RoleDistributor))
	require.NoError(t, acl.Grant(custodian, access.RoleCustodian))
	require.NoError(t, acl.Grant(payer, access.RolePayingAgent))
	require.NoError(t, acl.Whitelist(access.ListInvestors, investorA))
	require.NoError(t, acl.Whitelist(access.ListInvestors, investorB))

	clock := NewManualClock(date(2024, time.January, 15).Add(9 * time.Hour))
	sink := &recordingSink{}
	reg, err := New(testTerms(), acl, WithClock(clock), WithSinks(sink))
	require.NoError(t, err)
	return &fixture{reg: reg, acl: acl, clock: clock, sink: sink}
}

// funded mints the expected supply and hands all of it to investor A.
func (f *fixture) funded(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.MakeReady(ctx, cak))
	require.NoError(t, f.reg.Transfer(ctx, cak, DefaultPrimaryAccount, investorA, 1000))
}

func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	var sum int64
	for _, v := range f.reg.Balances() {
		sum += v
	}
	assert.Equal(t, f.reg.TotalSupply(), sum)
}

func TestNew_RejectsInvalidTerms(t *testing.T) {
	acl := access.NewManager()

	terms := testTerms()
	terms.CouponDates = []time.Time{d2, d1}
	_, err := New(terms, acl)
	assert.ErrorIs(t, err, ErrInvalidTerms)

	terms = testTerms()
	terms.CouponDates = []time.Time{maturity}
	_, err = New(terms, acl)
	assert.ErrorIs(t, err, ErrInvalidTerms)

	terms = testTerms()
	terms.IssuanceDate = maturity
	_, err = New(terms, acl)
	assert.ErrorIs(t, err, ErrInvalidTerms)

	_, err = New(testTerms(), nil)
	assert.Error(t, err)
}

func TestNew_InitialPointers(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, d1, f.reg.CurrentCouponDate())
	assert.Equal(t, d1.Add(cutOff), f.reg.CurrentSnapshotDatetime())
	assert.Equal(t, d2.Add(cutOff), f.reg.NextSnapshotDatetime())
	assert.Equal(t, StatusDraft, f.reg.Status())
	assert.Equal(t, []EventKind{EventNewBondDrafted}, f.sink.kinds())
}

func TestTransfer_SnapshotsOnFirstTransferAfterCutOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	f.clock.Set(d1.Add(cutOff + time.Second))
	require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, investorB, 100))

	assert.Equal(t, int64(1000), f.reg.BalanceAsOf(investorA, d1))
	assert.Equal(t, int64(0), f.reg.BalanceAsOf(investorB, d1))
	assert.Equal(t, int64(900), f.reg.BalanceAsOf(investorA, d2))
	assert.Equal(t, int64(900), f.reg.BalanceAsOf(investorA, maturity))
	assert.Equal(t, int64(100), f.reg.BalanceAsOf(investorB, d2))

	assert.Equal(t, d2, f.reg.CurrentCouponDate())
	snap, ok := f.reg.Snapshot(d1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.ID)
	assert.Equal(t, d1.Add(cutOff), snap.Instant)
	f.assertConserved(t)
}

func TestBalanceAsOf_SnapshotIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	f.clock.Set(d1.Add(cutOff))
	require.NoError(t, f.reg.Checkpoint(ctx))
	before := f.reg.BalanceAsOf(investorA, d1)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, investorB, 10))
		require.NoError(t, f.reg.Transfer(ctx, investorB, investorB, investorA, 3))
		assert.Equal(t, before, f.reg.BalanceAsOf(investorA, d1))
		f.assertConserved(t)
	}
	// Dates between two settlement dates follow the earlier snapshot.
	assert.Equal(t, before, f.reg.BalanceAsOf(investorA, d1.AddDate(0, 0, 20)))
}

func TestBalanceAsOf_FallsBackToLiveBalance(t *testing.T) {
	f := newFixture(t)
	f.funded(t)

	assert.Equal(t, int64(1000), f.reg.BalanceAsOf(investorA, issuance))
	assert.Equal(t, int64(1000), f.reg.BalanceAsOf(investorA, d3))
}

func TestProjectedBalanceAsOf_CommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.funded(t)
	events := len(f.sink.events)

	f.clock.Set(d1.Add(cutOff + time.Minute))
	assert.Equal(t, int64(1000), f.reg.ProjectedBalanceAsOf(investorA, d1))
	assert.Equal(t, int64(0), f.reg.ProjectedBalanceAsOf(investorB, d1))

	_, taken := f.reg.Snapshot(d1)
	assert.False(t, taken)
	assert.Equal(t, d1, f.reg.CurrentCouponDate())
	assert.Len(t, f.sink.events, events)
}

func TestTransfer_CatchesUpSeveralElapsedDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	f.clock.Set(d2.Add(cutOff + time.Hour))
	require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, investorB, 1))

	s1, ok := f.reg.Snapshot(d1)
	require.True(t, ok)
	s2, ok := f.reg.Snapshot(d2)
	require.True(t, ok)
	assert.Less(t, s1.ID, s2.ID)
	assert.Equal(t, d3, f.reg.CurrentCouponDate())
	assert.Equal(t, int64(1000), f.reg.BalanceAsOf(investorA, d2))
}

func TestTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	tests := []struct {
		name    string
		caller  string
		from    string
		to      string
		qty     int64
		wantErr error
	}{
		{"zero quantity", investorA, investorA, investorB, 0, ErrInvalidQuantity},
		{"stranger caller", stranger, investorA, investorB, 1, ErrNotWhitelisted},
		{"investor moving someone else's units", investorB, investorA, investorB, 1, ErrNotWhitelisted},
		{"recipient not whitelisted", investorA, investorA, stranger, 1, ErrNotWhitelisted},
		{"insufficient balance", investorA, investorA, investorB, 1001, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.reg.Transfer(ctx, tt.caller, tt.from, tt.to, tt.qty)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, int64(1000), f.reg.Balance(investorA))
	f.assertConserved(t)
}

func TestTransfer_FailureDiscardsPendingSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	f.clock.Set(d1.Add(cutOff + time.Minute))
	err := f.reg.Transfer(ctx, investorA, investorA, investorB, 5000)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, ok := f.reg.Snapshot(d1)
	assert.False(t, ok)
	assert.Equal(t, d1, f.reg.CurrentCouponDate())
	assert.NotContains(t, f.sink.kinds(), EventSnapshot)
}

func TestTransfer_RejectedAfterMaturityCutOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)

	f.clock.Set(maturity.Add(cutOff))
	err := f.reg.Transfer(ctx, investorA, investorA, investorB, 1)
	assert.ErrorIs(t, err, ErrMaturityReached)
}

func TestInsertCouponDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, stranger, d1.AddDate(0, 0, 1)), ErrUnauthorized)
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, maturity), ErrOutOfRange)
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, maturity.AddDate(0, 0, 1)), ErrOutOfRange)
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, issuance), ErrOutOfRange)
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, date(2024, time.January, 14)), ErrPastDate)
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, d2), ErrDuplicateDate)

	// Between current and next: only next moves.
	mid := date(2024, time.April, 1)
	require.NoError(t, f.reg.InsertCouponDate(ctx, cak, mid))
	assert.Equal(t, d1, f.reg.CurrentCouponDate())
	assert.Equal(t, mid.Add(cutOff), f.reg.NextSnapshotDatetime())

	// Before current: current moves back to the new date.
	early := date(2024, time.February, 1)
	require.NoError(t, f.reg.InsertCouponDate(ctx, cak, early.Add(10*time.Hour)))
	assert.Equal(t, early, f.reg.CurrentCouponDate())
	assert.Equal(t, d1.Add(cutOff), f.reg.NextSnapshotDatetime())

	assert.Equal(t, []time.Time{early, d1, mid, d2, d3}, f.reg.BondData().Terms.CouponDates)
}

func TestInsertCouponDate_BeforeTakenSnapshotIsPast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(d1.Add(cutOff))
	require.NoError(t, f.reg.Checkpoint(ctx))
	assert.ErrorIs(t, f.reg.InsertCouponDate(ctx, cak, d1.AddDate(0, 0, -1)), ErrPastDate)
	require.NoError(t, f.reg.InsertCouponDate(ctx, cak, d1.AddDate(0, 0, 1)))
	assert.Equal(t, d1.AddDate(0, 0, 1), f.reg.CurrentCouponDate())
}

func TestDeleteCouponDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.reg.DeleteCouponDate(ctx, cak, date(2024, time.April, 1)), ErrDateNotFound)
	assert.ErrorIs(t, f.reg.DeleteCouponDate(ctx, stranger, d2), ErrUnauthorized)

	require.NoError(t, f.reg.DeleteCouponDate(ctx, cak, d2))
	assert.Equal(t, d1, f.reg.CurrentCouponDate())
	assert.Equal(t, d3.Add(cutOff), f.reg.NextSnapshotDatetime())

	require.NoError(t, f.reg.DeleteCouponDate(ctx, cak, d1))
	assert.Equal(t, d3, f.reg.CurrentCouponDate())

	require.NoError(t, f.reg.DeleteCouponDate(ctx, cak, d3))
	assert.Equal(t, maturity, f.reg.CurrentCouponDate())
	assert.Equal(t, maturity.Add(cutOff), f.reg.CurrentSnapshotDatetime())
	assert.True(t, f.reg.NextSnapshotDatetime().IsZero())
}

func TestDeleteCouponDate_SettledDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(d1.Add(cutOff))
	require.NoError(t, f.reg.Checkpoint(ctx))
	assert.ErrorIs(t, f.reg.DeleteCouponDate(ctx, cak, d1), ErrAlreadySettled)

	inst := &fakeInstrument{id: "coupon-d2", date: d2}
	require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
	require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d2.AddDate(0, 0, -1), cutOff))
	assert.ErrorIs(t, f.reg.DeleteCouponDate(ctx, cak, d2), ErrAlreadySettled)
}

func TestClaimCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("caller must be whitelisted", func(t *testing.T) {
		f := newFixture(t)
		inst := &fakeInstrument{id: "coupon", date: d1}
		err := f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -1), cutOff)
		assert.ErrorIs(t, err, ErrNotWhitelisted)
	})

	t.Run("date must be scheduled", func(t *testing.T) {
		f := newFixture(t)
		inst := &fakeInstrument{id: "coupon", date: date(2024, time.April, 1)}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
		err := f.reg.ClaimCurrent(ctx, inst, inst.date, cutOff)
		assert.ErrorIs(t, err, ErrDateNotFound)
	})

	t.Run("record date boundary", func(t *testing.T) {
		f := newFixture(t)
		inst := &fakeInstrument{id: "coupon", date: d1}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))

		err := f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -11), cutOff)
		assert.ErrorIs(t, err, ErrRecordDateTooEarly)
		require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -10), cutOff))
		assert.Equal(t, d1.AddDate(0, 0, -10).Add(cutOff), f.reg.CurrentSnapshotDatetime())
	})

	t.Run("second claim is rejected", func(t *testing.T) {
		f := newFixture(t)
		inst := &fakeInstrument{id: "coupon", date: d1}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
		require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -1), cutOff))
		err := f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -1), cutOff)
		assert.ErrorIs(t, err, ErrDateAlreadyTaken)
	})

	t.Run("auto snapshotted date cannot be claimed", func(t *testing.T) {
		f := newFixture(t)
		f.funded(t)
		f.clock.Set(d1.Add(cutOff + time.Second))
		require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, investorB, 1))

		inst := &fakeInstrument{id: "late-coupon", date: d1}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
		err := f.reg.ClaimCurrent(ctx, inst, d1.AddDate(0, 0, -1), cutOff)
		assert.ErrorIs(t, err, ErrDateAlreadyTaken)
	})

	t.Run("claiming ahead snapshots previous current", func(t *testing.T) {
		f := newFixture(t)
		f.funded(t)
		inst := &fakeInstrument{id: "coupon-d2", date: d2}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))

		require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d2.AddDate(0, 0, -2), 18*time.Hour))
		_, ok := f.reg.Snapshot(d1)
		assert.True(t, ok)
		assert.Equal(t, d2, f.reg.CurrentCouponDate())
		assert.Equal(t, d2.AddDate(0, 0, -2).Add(18*time.Hour), f.reg.CurrentSnapshotDatetime())

		earlier := &fakeInstrument{id: "coupon-d1", date: d1}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, earlier.id))
		err := f.reg.ClaimCurrent(ctx, earlier, d1.AddDate(0, 0, -1), cutOff)
		assert.ErrorIs(t, err, ErrDateAlreadyTaken)
	})

	t.Run("current never moves backwards", func(t *testing.T) {
		f := newFixture(t)
		inst := &fakeInstrument{id: "coupon-d3", date: d3}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
		require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d3, cutOff))

		back := &fakeInstrument{id: "coupon-d2", date: d2}
		require.NoError(t, f.acl.Whitelist(access.ListCallers, back.id))
		err := f.reg.ClaimCurrent(ctx, back, d2, cutOff)
		assert.ErrorIs(t, err, ErrPastDate)
		assert.Equal(t, d3, f.reg.CurrentCouponDate())
	})
}

func TestMintAndBurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.reg.Mint(ctx, stranger, 10), ErrUnauthorized)
	assert.ErrorIs(t, f.reg.Mint(ctx, cak, 0), ErrInvalidQuantity)
	require.NoError(t, f.reg.Mint(ctx, cak, 400))
	assert.Equal(t, int64(400), f.reg.Balance(DefaultPrimaryAccount))

	require.NoError(t, f.reg.MakeReady(ctx, cak))
	assert.Equal(t, int64(1000), f.reg.TotalSupply())
	require.NoError(t, f.reg.Transfer(ctx, cak, DefaultPrimaryAccount, investorA, 50))

	assert.ErrorIs(t, f.reg.Burn(ctx, cak, 1000), ErrSettlementPending)
	require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, DefaultPrimaryAccount, 50))
	assert.ErrorIs(t, f.reg.Burn(ctx, cak, 999), ErrInvalidQuantity)

	require.NoError(t, f.reg.Burn(ctx, cak, 1000))
	assert.Equal(t, StatusRepaid, f.reg.Status())
	assert.Equal(t, int64(0), f.reg.TotalSupply())

	assert.ErrorIs(t, f.reg.Mint(ctx, cak, 1000), ErrRegisterClosed)
	assert.ErrorIs(t, f.reg.Transfer(ctx, cak, DefaultPrimaryAccount, investorA, 1), ErrRegisterClosed)
}

func TestBurn_WaitsForInstruments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.MakeReady(ctx, cak))

	inst := &fakeInstrument{id: "coupon", date: d1}
	require.NoError(t, f.acl.Whitelist(access.ListCallers, inst.id))
	require.NoError(t, f.reg.ClaimCurrent(ctx, inst, d1, cutOff))

	assert.ErrorIs(t, f.reg.Burn(ctx, cak, 1000), ErrSettlementPending)
	inst.settled = true
	require.NoError(t, f.reg.Burn(ctx, cak, 1000))
	assert.ErrorIs(t, f.reg.Mint(ctx, cak, 1000), ErrRegisterClosed)
}

func TestListHoldersAsOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.funded(t)
	require.NoError(t, f.reg.Transfer(ctx, investorA, investorA, investorB, 1000))

	f.clock.Set(d1.Add(cutOff))
	require.NoError(t, f.reg.Checkpoint(ctx))
	require.NoError(t, f.reg.Transfer(ctx, investorB, investorB, investorA, 400))

	assert.Equal(t, []string{investorB}, f.reg.ListHoldersAsOf(d1))
	assert.Equal(t, []string{investorA, investorB}, f.reg.ListHoldersAsOf(d2))
}

func TestSinkFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.AddSink(EventSinkFunc(func(context.Context, Event) error {
		return errors.New("archive unavailable")
	}))

	require.NoError(t, f.reg.Mint(ctx, cak, 10))
	assert.Equal(t, int64(10), f.reg.TotalSupply())
	assert.Contains(t, f.sink.kinds(), EventMint)
}

func TestClockNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(d1.Add(cutOff))
	require.NoError(t, f.reg.Checkpoint(ctx))
	f.clock.Set(issuance)
	assert.Equal(t, d1.Add(cutOff), f.reg.Now())
	assert.Equal(t, d2, f.reg.CurrentCouponDate())
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.reg.Mint(ctx, cak, 1), context.Canceled)
	assert.Equal(t, int64(0), f.reg.TotalSupply())
}
