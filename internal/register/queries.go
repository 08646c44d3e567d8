package register

import (
	"sort"
	"time"
)

// BondData is the reporting view of the terms and schedule.
type BondData struct {
	Terms                   BondTerms `json:"terms"`
	Status                  Status    `json:"status"`
	TotalSupply             int64     `json:"total_supply"`
	CurrentCouponDate       time.Time `json:"current_coupon_date"`
	CurrentSnapshotDatetime time.Time `json:"current_snapshot_datetime"`
	NextCouponDate          time.Time `json:"next_coupon_date"`
	NextSnapshotDatetime    time.Time `json:"next_snapshot_datetime"`
}

func (r *Register) BondData() BondData {
	st := r.committed.Load()
	terms := st.terms
	terms.CouponDates = st.sched.couponDates()
	return BondData{
		Terms:                   terms,
		Status:                  st.status,
		TotalSupply:             st.led.totalSupply,
		CurrentCouponDate:       st.sched.current,
		CurrentSnapshotDatetime: st.sched.instant(st.sched.current),
		NextCouponDate:          st.sched.next(),
		NextSnapshotDatetime:    st.sched.nextInstant(),
	}
}

func (r *Register) Terms() BondTerms {
	return r.BondData().Terms
}

func (r *Register) Status() Status {
	return r.committed.Load().status
}

func (r *Register) CurrentCouponDate() time.Time {
	return r.committed.Load().sched.current
}

func (r *Register) CurrentSnapshotDatetime() time.Time {
	s := r.committed.Load().sched
	return s.instant(s.current)
}

// NextSnapshotDatetime is zero once the current date is maturity.
func (r *Register) NextSnapshotDatetime() time.Time {
	return r.committed.Load().sched.nextInstant()
}

func (r *Register) MaturityDate() time.Time {
	return r.committed.Load().sched.maturity
}

func (r *Register) HasCouponDate(date time.Time) bool {
	return r.committed.Load().sched.hasCoupon(Day(date))
}

func (r *Register) TotalSupply() int64 {
	return r.committed.Load().led.totalSupply
}

// Balance is the live balance of account.
func (r *Register) Balance(account string) int64 {
	return r.committed.Load().led.balance(account)
}

// Balances returns a copy of all live balances.
func (r *Register) Balances() map[string]int64 {
	l := r.committed.Load().led
	out := make(map[string]int64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// frozenFor picks the snapshot governing date: the one recorded for the latest
// settlement date not after date. It reports false when that settlement date has
// not been snapshotted yet, in which case callers fall back to live balances.
func (st *state) frozenFor(date time.Time) (*Snapshot, bool) {
	sd, ok := st.sched.latestOnOrBefore(Day(date))
	if !ok {
		return nil, false
	}
	return st.led.snapshotFor(sd)
}

// BalanceAsOf returns the balance frozen for date, or the live balance when
// the governing settlement date has no snapshot yet.
func (r *Register) BalanceAsOf(account string, date time.Time) int64 {
	st := r.committed.Load()
	if snap, ok := st.frozenFor(date); ok {
		return snap.balance(account)
	}
	return st.led.balance(account)
}

// ProjectedBalanceAsOf answers BalanceAsOf as if every snapshot due by now
// had already been taken. It works on a throwaway copy and commits nothing.
func (r *Register) ProjectedBalanceAsOf(account string, date time.Time) int64 {
	r.mu.Lock()
	tx := &txn{state: r.committed.Load().clone(), now: r.observe(), primary: r.primary}
	r.mu.Unlock()

	tx.maybeAdvance()
	if snap, ok := tx.frozenFor(date); ok {
		return snap.balance(account)
	}
	return tx.led.balance(account)
}

// ListHoldersAsOf returns accounts with a positive balance as of date, in
// first-seen order. The primary issuance account is never listed.
func (r *Register) ListHoldersAsOf(date time.Time) []string {
	st := r.committed.Load()
	if snap, ok := st.frozenFor(date); ok {
		return st.led.nonZero(snap.Balances, r.primary)
	}
	return st.led.nonZero(st.led.balances, r.primary)
}

// Snapshot returns the snapshot recorded for a settlement date.
func (r *Register) Snapshot(date time.Time) (Snapshot, bool) {
	s, ok := r.committed.Load().led.snapshotFor(Day(date))
	if !ok {
		return Snapshot{}, false
	}
	return copySnapshot(s), true
}

// Snapshots lists all snapshots ordered by id.
func (r *Register) Snapshots() []Snapshot {
	l := r.committed.Load().led
	out := make([]Snapshot, 0, len(l.snapshots))
	for _, s := range l.snapshots {
		out = append(out, copySnapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copySnapshot(s *Snapshot) Snapshot {
	c := *s
	c.Balances = make(map[string]int64, len(s.Balances))
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	return c
}
