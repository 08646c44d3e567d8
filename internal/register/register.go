// Package register implements the bond register: bond terms, the coupon
// schedule and the balance ledger with its settlement snapshots.
//
// Every mutation runs against a private copy of the state and is committed
// only when it succeeds, so a rejected call leaves no partial effect. Before
// applying its own change each mutation recognises any settlement instant that
// has elapsed since the previous call and records the due snapshots.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/bond-register/internal/access"
)

// DefaultPrimaryAccount receives minted units and redeemed balances.
const DefaultPrimaryAccount = "primary-issuance"

// MaxRecordLag is the largest allowed gap between a record date and its settlement date.
const MaxRecordLag = 10 * 24 * time.Hour

// Instrument is a settlement instrument that has claimed a settlement date.
type Instrument interface {
	ID() string
	SettlementDate() time.Time
	// Settled reports whether every holder has reached a terminal payment status.
	Settled(holders []string) bool
}

type state struct {
	terms       BondTerms
	status      Status
	sched       *schedule
	led         *ledger
	instruments map[string]Instrument
}

func (s *state) clone() *state {
	c := &state{
		terms:       s.terms,
		status:      s.status,
		sched:       s.sched.clone(),
		led:         s.led.clone(),
		instruments: make(map[string]Instrument, len(s.instruments)),
	}
	c.terms.CouponDates = append([]time.Time(nil), s.terms.CouponDates...)
	for k, v := range s.instruments {
		c.instruments[k] = v
	}
	return c
}

// Register is the owned aggregate of terms, schedule and ledger.
type Register struct {
	// mu serializes writers; readers use the committed pointer.
	mu        sync.Mutex
	committed atomic.Pointer[state]
	lastSeen  time.Time

	// publishMu keeps sinks receiving events in commit order.
	publishMu sync.Mutex
	sinks     []EventSink

	access  access.Checker
	clock   Clock
	primary string
	logger  *slog.Logger
}

// Option configures a Register.
type Option func(*Register)

func WithClock(c Clock) Option {
	return func(r *Register) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Register) { r.logger = l }
}

func WithPrimaryAccount(account string) Option {
	return func(r *Register) { r.primary = account }
}

func WithSinks(sinks ...EventSink) Option {
	return func(r *Register) { r.sinks = append(r.sinks, sinks...) }
}

// New validates terms and creates a register in Draft status.
func New(terms BondTerms, checker access.Checker, opts ...Option) (*Register, error) {
	if checker == nil {
		return nil, fmt.Errorf("new register: access checker is required")
	}
	if err := terms.Validate(); err != nil {
		return nil, fmt.Errorf("new register: %w", err)
	}
	r := &Register{
		access:  checker,
		clock:   SystemClock{},
		primary: DefaultPrimaryAccount,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	terms = terms.normalized()
	r.committed.Store(&state{
		terms:       terms,
		status:      StatusDraft,
		sched:       newSchedule(terms),
		led:         newLedger(),
		instruments: make(map[string]Instrument),
	})

	now := r.clock.Now().UTC()
	r.lastSeen = now
	r.publish(context.Background(), []Event{{
		Kind:   EventNewBondDrafted,
		At:     now,
		Detail: terms.Name,
		Status: StatusDraft.String(),
	}})
	return r, nil
}

// AddSink attaches a sink for subsequently committed events.
func (r *Register) AddSink(s EventSink) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Register) PrimaryAccount() string { return r.primary }

// Now returns the current clock reading, never earlier than the last observed one.
func (r *Register) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observe()
}

func (r *Register) observe() time.Time {
	now := r.clock.Now().UTC()
	if now.Before(r.lastSeen) {
		return r.lastSeen
	}
	r.lastSeen = now
	return now
}

// txn is a mutation in progress over a cloned state.
type txn struct {
	*state
	now     time.Time
	primary string
	events  []Event
}

func (tx *txn) emit(e Event) {
	e.At = tx.now
	tx.events = append(tx.events, e)
}

func (r *Register) mutate(ctx context.Context, op string, fn func(tx *txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	tx := &txn{state: r.committed.Load().clone(), now: r.observe(), primary: r.primary}
	if err := fn(tx); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	r.committed.Store(tx.state)
	// Take publishMu before releasing mu so commit order is delivery order.
	r.publishMu.Lock()
	r.mu.Unlock()
	defer r.publishMu.Unlock()
	r.deliver(ctx, tx.events)
	return nil
}

func (r *Register) publish(ctx context.Context, events []Event) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.deliver(ctx, events)
}

func (r *Register) deliver(ctx context.Context, events []Event) {
	for _, e := range events {
		for _, s := range r.sinks {
			if err := s.Record(ctx, e); err != nil {
				r.logger.Warn("event sink failed",
					slog.String("kind", string(e.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Emit publishes events produced by collaborators through the register sinks.
func (r *Register) Emit(ctx context.Context, events ...Event) {
	now := r.Now()
	for i := range events {
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}
	r.publish(ctx, events)
}

// maybeAdvance snapshots every settlement date whose instant has elapsed and
// moves the current pointer past it. It stops at maturity.
func (tx *txn) maybeAdvance() {
	s := tx.sched
	for !tx.now.Before(s.instant(s.current)) {
		tx.snapshotCurrent()
		next, ok := s.successor(s.current)
		if !ok {
			return
		}
		s.current = next
		tx.emit(Event{
			Kind:    EventSnapshotTimestampChange,
			Date:    timePtr(next),
			Instant: timePtr(s.instant(next)),
		})
	}
}

func (tx *txn) snapshotCurrent() {
	cur := tx.sched.current
	if _, taken := tx.led.snapshotFor(cur); taken {
		return
	}
	snap := tx.led.take(cur, tx.sched.instant(cur), tx.now)
	balances := make(map[string]int64, len(snap.Balances))
	for k, v := range snap.Balances {
		balances[k] = v
	}
	tx.emit(Event{
		Kind:       EventSnapshot,
		Date:       timePtr(snap.Date),
		Instant:    timePtr(snap.Instant),
		SnapshotID: snap.ID,
		Balances:   balances,
	})
}

func (tx *txn) setStatus(s Status, actor string) {
	tx.status = s
	tx.emit(Event{Kind: EventRegisterStatusChanged, Actor: actor, Status: s.String()})
}

func (r *Register) isAdmin(account string) bool {
	return r.access.HasRole(account, access.RoleIssuerAdmin)
}

// Checkpoint records any snapshot that has become due without changing balances.
func (r *Register) Checkpoint(ctx context.Context) error {
	return r.mutate(ctx, "checkpoint", func(tx *txn) error {
		tx.maybeAdvance()
		return nil
	})
}

// InsertCouponDate adds a coupon date to the schedule.
func (r *Register) InsertCouponDate(ctx context.Context, caller string, date time.Time) error {
	d := Day(date)
	return r.mutate(ctx, "insert coupon date", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		if !d.Before(tx.sched.maturity) || !d.After(tx.sched.issuance) {
			return ErrOutOfRange
		}
		tx.maybeAdvance()
		if !tx.now.Before(d.Add(tx.sched.cutOff)) {
			return ErrPastDate
		}
		if latest, ok := tx.led.latestSnapshot(); ok && !d.After(latest.Date) {
			return ErrPastDate
		}

		prev := tx.sched.current
		if err := tx.sched.insert(d); err != nil {
			return err
		}
		tx.terms.CouponDates = tx.sched.couponDates()
		tx.emit(Event{Kind: EventCouponDateInserted, Actor: caller, Date: timePtr(d)})
		if !prev.Equal(tx.sched.current) {
			tx.emit(Event{
				Kind:    EventSnapshotTimestampChange,
				Date:    timePtr(tx.sched.current),
				Instant: timePtr(tx.sched.instant(tx.sched.current)),
			})
		}
		return nil
	})
}

// DeleteCouponDate removes a coupon date that has not been settled or claimed.
func (r *Register) DeleteCouponDate(ctx context.Context, caller string, date time.Time) error {
	d := Day(date)
	return r.mutate(ctx, "delete coupon date", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		tx.maybeAdvance()
		if !tx.sched.hasCoupon(d) {
			return ErrDateNotFound
		}
		if _, taken := tx.led.snapshotFor(d); taken || tx.sched.claimed(d) {
			return ErrAlreadySettled
		}
		if !tx.now.Before(tx.sched.instant(d)) {
			return ErrAlreadySettled
		}

		prev := tx.sched.current
		if err := tx.sched.remove(d); err != nil {
			return err
		}
		tx.terms.CouponDates = tx.sched.couponDates()
		tx.emit(Event{Kind: EventCouponDateDeleted, Actor: caller, Date: timePtr(d)})
		if !prev.Equal(tx.sched.current) {
			tx.emit(Event{
				Kind:    EventSnapshotTimestampChange,
				Date:    timePtr(tx.sched.current),
				Instant: timePtr(tx.sched.instant(tx.sched.current)),
			})
		}
		// The replacement current may already be due.
		tx.maybeAdvance()
		return nil
	})
}

// ClaimCurrent makes the instrument's settlement date the current one, pinning
// its settlement instant to recordDate plus cutOff. The previous current date is
// snapshotted first when it has not been.
func (r *Register) ClaimCurrent(ctx context.Context, inst Instrument, recordDate time.Time, cutOff time.Duration) error {
	d := Day(inst.SettlementDate())
	rec := Day(recordDate)
	return r.mutate(ctx, "claim settlement date", func(tx *txn) error {
		if !r.access.IsWhitelistedCaller(inst.ID()) {
			return ErrNotWhitelisted
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		if !tx.sched.isSettlementDate(d) {
			return ErrDateNotFound
		}
		if d.Sub(rec) > MaxRecordLag {
			return ErrRecordDateTooEarly
		}
		tx.maybeAdvance()
		if _, taken := tx.led.snapshotFor(d); taken || tx.sched.claimed(d) {
			return ErrDateAlreadyTaken
		}
		if d.Before(tx.sched.current) {
			return ErrPastDate
		}
		if tx.sched.current.Before(d) {
			tx.snapshotCurrent()
		}

		instant := rec.Add(cutOff)
		tx.sched.pinned[dateKey(d)] = instant
		tx.sched.current = d
		tx.instruments[inst.ID()] = inst
		tx.emit(Event{
			Kind:       EventSnapshotTimestampChange,
			Date:       timePtr(d),
			Instant:    timePtr(instant),
			Instrument: inst.ID(),
		})
		tx.maybeAdvance()
		return nil
	})
}

// mayMove reports whether caller can move units out of from.
func (r *Register) mayMove(caller, from string) bool {
	switch {
	case r.isAdmin(caller),
		r.access.IsWhitelistedCaller(caller),
		r.access.HasRole(caller, access.RoleDistributor):
		return true
	}
	return caller == from && r.access.IsWhitelistedInvestor(caller)
}

func (r *Register) mayReceive(to string) bool {
	return to == r.primary ||
		r.access.IsWhitelistedInvestor(to) ||
		r.access.HasRole(to, access.RoleDistributor)
}

// Transfer moves qty units from one account to another. Total supply is unchanged.
func (r *Register) Transfer(ctx context.Context, caller, from, to string, qty int64) error {
	return r.mutate(ctx, "transfer", func(tx *txn) error {
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		if !r.mayMove(caller, from) {
			return fmt.Errorf("%w: caller %s", ErrNotWhitelisted, caller)
		}
		if !r.mayReceive(to) {
			return fmt.Errorf("%w: recipient %s", ErrNotWhitelisted, to)
		}
		tx.maybeAdvance()
		if !tx.now.Before(tx.sched.instant(tx.sched.maturity)) {
			return ErrMaturityReached
		}
		if err := tx.led.move(from, to, qty); err != nil {
			return err
		}
		tx.emit(Event{Kind: EventTransfer, Actor: caller, From: from, To: to, Quantity: qty})
		return nil
	})
}

// Mint credits the primary issuance account before the bond is issued.
func (r *Register) Mint(ctx context.Context, caller string, qty int64) error {
	return r.mutate(ctx, "mint", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		if tx.status != StatusDraft && tx.status != StatusReady {
			return ErrInvalidStatus
		}
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		tx.maybeAdvance()
		tx.mint(caller, qty)
		return nil
	})
}

func (tx *txn) mint(caller string, qty int64) {
	tx.led.credit(tx.primary, qty)
	tx.led.totalSupply += qty
	tx.emit(Event{Kind: EventMint, Actor: caller, To: tx.primary, Quantity: qty})
}

// Burn closes the register. The whole supply must be back in the primary
// issuance account and every claimed instrument must be settled.
func (r *Register) Burn(ctx context.Context, caller string, qty int64) error {
	checked, err := r.checkSettled()
	if err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	return r.mutate(ctx, "burn", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		for id := range tx.instruments {
			if _, ok := checked[id]; !ok {
				return fmt.Errorf("%w: instrument %s", ErrSettlementPending, id)
			}
		}
		tx.maybeAdvance()
		if qty <= 0 || qty != tx.led.totalSupply {
			return fmt.Errorf("%w: burn must cover total supply %d", ErrInvalidQuantity, tx.led.totalSupply)
		}
		if tx.led.balance(tx.primary) != tx.led.totalSupply {
			return fmt.Errorf("%w: supply not back in %s", ErrSettlementPending, tx.primary)
		}
		if err := tx.led.debit(tx.primary, qty); err != nil {
			return err
		}
		tx.led.totalSupply = 0
		tx.emit(Event{Kind: EventBurn, Actor: caller, From: tx.primary, Quantity: qty})
		tx.setStatus(StatusRepaid, caller)
		return nil
	})
}

// checkSettled asks each claimed instrument whether its holders are settled.
// It runs outside the writer lock because instruments read the register.
func (r *Register) checkSettled() (map[string]struct{}, error) {
	st := r.committed.Load()
	checked := make(map[string]struct{}, len(st.instruments))
	for id, inst := range st.instruments {
		if !inst.Settled(r.ListHoldersAsOf(inst.SettlementDate())) {
			return nil, fmt.Errorf("%w: instrument %s", ErrSettlementPending, id)
		}
		checked[id] = struct{}{}
	}
	return checked, nil
}

// MakeReady mints up to the expected supply and moves Draft to Ready.
func (r *Register) MakeReady(ctx context.Context, caller string) error {
	return r.mutate(ctx, "make ready", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status != StatusDraft {
			return ErrInvalidStatus
		}
		tx.maybeAdvance()
		if missing := tx.terms.ExpectedSupply - tx.led.totalSupply; missing > 0 {
			tx.mint(caller, missing)
		}
		tx.setStatus(StatusReady, caller)
		return nil
	})
}

// RevertReady burns the primary balance and returns to Draft. It is refused
// once any unit has left the primary issuance account.
func (r *Register) RevertReady(ctx context.Context, caller string) error {
	return r.mutate(ctx, "revert ready", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status != StatusReady {
			return ErrInvalidStatus
		}
		supply := tx.led.totalSupply
		if tx.led.balance(tx.primary) != supply {
			return fmt.Errorf("%w: units already distributed", ErrInvalidStatus)
		}
		tx.maybeAdvance()
		if supply > 0 {
			if err := tx.led.debit(tx.primary, supply); err != nil {
				return err
			}
			tx.led.totalSupply = 0
			tx.emit(Event{Kind: EventBurn, Actor: caller, From: tx.primary, Quantity: supply})
		}
		tx.setStatus(StatusDraft, caller)
		return nil
	})
}

// Issue marks the bond as issued once distribution has started.
func (r *Register) Issue(ctx context.Context, caller string) error {
	return r.mutate(ctx, "issue", func(tx *txn) error {
		if !r.access.HasRole(caller, access.RoleDistributor) && !r.access.IsWhitelistedCaller(caller) {
			return ErrUnauthorized
		}
		if tx.status != StatusReady {
			return ErrInvalidStatus
		}
		tx.maybeAdvance()
		tx.setStatus(StatusIssued, caller)
		return nil
	})
}

// SetBondData replaces the terms while the bond is in Draft.
func (r *Register) SetBondData(ctx context.Context, caller string, terms BondTerms) error {
	if err := terms.Validate(); err != nil {
		return fmt.Errorf("set bond data: %w", err)
	}
	terms = terms.normalized()
	return r.mutate(ctx, "set bond data", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status != StatusDraft {
			return ErrInvalidStatus
		}
		if len(tx.led.snapshots) > 0 || len(tx.sched.pinned) > 0 {
			return ErrAlreadySettled
		}
		tx.terms = terms
		tx.sched = newSchedule(terms)
		tx.emit(Event{Kind: EventBondDataChanged, Actor: caller, Detail: terms.Name})
		tx.maybeAdvance()
		return nil
	})
}

// SetExpectedSupply changes the supply MakeReady mints up to.
func (r *Register) SetExpectedSupply(ctx context.Context, caller string, supply int64) error {
	return r.mutate(ctx, "set expected supply", func(tx *txn) error {
		if !r.isAdmin(caller) {
			return ErrUnauthorized
		}
		if tx.status != StatusDraft {
			return ErrInvalidStatus
		}
		if supply < 0 {
			return ErrInvalidQuantity
		}
		tx.terms.ExpectedSupply = supply
		tx.emit(Event{Kind: EventBondDataChanged, Actor: caller, Quantity: supply, Detail: "expected_supply"})
		return nil
	})
}

// SettleRedemption moves a holder's redeemed units to the primary issuance
// account when paid is true and back to the holder when a payment is reverted.
func (r *Register) SettleRedemption(ctx context.Context, inst Instrument, holder string, qty int64, paid bool) error {
	return r.mutate(ctx, "settle redemption", func(tx *txn) error {
		if !r.access.IsWhitelistedCaller(inst.ID()) {
			return ErrNotWhitelisted
		}
		if _, tracked := tx.instruments[inst.ID()]; !tracked {
			return ErrNotReady
		}
		if !Day(inst.SettlementDate()).Equal(tx.sched.maturity) {
			return ErrDateNotFound
		}
		if tx.status == StatusRepaid {
			return ErrRegisterClosed
		}
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		tx.maybeAdvance()

		from, to := holder, tx.primary
		if !paid {
			from, to = tx.primary, holder
		}
		if err := tx.led.move(from, to, qty); err != nil {
			return err
		}
		tx.emit(Event{Kind: EventTransfer, Actor: inst.ID(), From: from, To: to, Quantity: qty, Instrument: inst.ID()})
		return nil
	})
}
