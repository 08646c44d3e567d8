// Package settlement implements the coupon and redemption instruments. Each
// instrument is bound to one settlement date of a register, claims that date
// as current, and tracks the payment owed to every holder frozen at that date.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/register"
)

// Kind distinguishes coupons from the final redemption.
type Kind string

const (
	KindCoupon     Kind = "coupon"
	KindRedemption Kind = "redemption"
)

// Status is the instrument lifecycle. Draft moves to Ready once, on a successful claim.
type Status int

const (
	StatusDraft Status = iota
	StatusReady
)

func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "draft"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "draft":
		*s = StatusDraft
	case "ready":
		*s = StatusReady
	default:
		return fmt.Errorf("unknown instrument status %q", b)
	}
	return nil
}

const daysPerYear = 360

// Params are the construction parameters of an instrument.
type Params struct {
	Date       time.Time
	NbDays     int64
	RecordDate time.Time
	// CutOffTime is seconds after midnight of RecordDate.
	CutOffTime int64
	Logger     *slog.Logger
}

type instrumentState struct {
	status   Status
	nbDays   int64
	payments map[string]PaymentStatus
}

func (s *instrumentState) clone() *instrumentState {
	c := &instrumentState{status: s.status, nbDays: s.nbDays, payments: make(map[string]PaymentStatus, len(s.payments))}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// Instrument is a coupon or redemption bound to a register.
type Instrument struct {
	id         string
	kind       Kind
	date       time.Time
	recordDate time.Time
	cutOff     time.Duration

	reg    *register.Register
	access access.Checker
	logger *slog.Logger

	// mu serializes writers. Readers, including the register during burn,
	// load the current state without locking.
	mu    sync.Mutex
	state atomic.Pointer[instrumentState]
}

// NewCoupon creates a coupon for one of the register's coupon dates.
func NewCoupon(reg *register.Register, checker access.Checker, caller string, p Params) (*Instrument, error) {
	return newInstrument(KindCoupon, reg, checker, caller, p)
}

// NewRedemption creates the redemption bound to the maturity date.
func NewRedemption(reg *register.Register, checker access.Checker, caller string, p Params) (*Instrument, error) {
	return newInstrument(KindRedemption, reg, checker, caller, p)
}

func newInstrument(kind Kind, reg *register.Register, checker access.Checker, caller string, p Params) (*Instrument, error) {
	op := fmt.Sprintf("new %s", kind)
	if !checker.HasRole(caller, access.RolePayingAgent) {
		return nil, fmt.Errorf("%s: %w: sender must be a paying agent", op, register.ErrUnauthorized)
	}
	d := register.Day(p.Date)
	switch kind {
	case KindCoupon:
		if !reg.HasCouponDate(d) {
			return nil, fmt.Errorf("%s: %w: coupon date %s", op, register.ErrDateNotFound, d.Format(time.DateOnly))
		}
	case KindRedemption:
		if !d.Equal(reg.MaturityDate()) {
			return nil, fmt.Errorf("%s: %w: maturity date %s", op, register.ErrDateNotFound, d.Format(time.DateOnly))
		}
	}
	if p.NbDays < 0 {
		return nil, fmt.Errorf("%s: %w: nb days", op, register.ErrInvalidQuantity)
	}
	if p.CutOffTime < 0 || p.CutOffTime >= 24*60*60 {
		return nil, fmt.Errorf("%s: %w: cut-off time must be within a day", op, register.ErrInvalidTerms)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	i := &Instrument{
		id:         uuid.NewString(),
		kind:       kind,
		date:       d,
		recordDate: register.Day(p.RecordDate),
		cutOff:     time.Duration(p.CutOffTime) * time.Second,
		reg:        reg,
		access:     checker,
	}
	i.logger = logger.With(slog.String("instrument", i.id), slog.String("kind", string(kind)))
	i.state.Store(&instrumentState{status: StatusDraft, nbDays: p.NbDays, payments: map[string]PaymentStatus{}})
	return i, nil
}

func (i *Instrument) ID() string { return i.id }

func (i *Instrument) Kind() Kind { return i.kind }

func (i *Instrument) SettlementDate() time.Time { return i.date }

func (i *Instrument) RecordDate() time.Time { return i.recordDate }

func (i *Instrument) Status() Status { return i.state.Load().status }

func (i *Instrument) NbDays() int64 { return i.state.Load().nbDays }

// RecordInstant is the moment balances are frozen for this instrument.
func (i *Instrument) RecordInstant() time.Time {
	return i.recordDate.Add(i.cutOff)
}

func (i *Instrument) requirePayingAgent(caller string) error {
	if !i.access.HasRole(caller, access.RolePayingAgent) {
		return fmt.Errorf("%w: sender must be a paying agent", register.ErrUnauthorized)
	}
	return nil
}

// SetNbDays changes the day count while the instrument is still a draft.
func (i *Instrument) SetNbDays(ctx context.Context, caller string, n int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.requirePayingAgent(caller); err != nil {
		return fmt.Errorf("set nb days: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("set nb days: %w", register.ErrInvalidQuantity)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	cur := i.state.Load()
	if cur.status != StatusDraft {
		return fmt.Errorf("set nb days: %w", register.ErrInvalidStatus)
	}
	next := cur.clone()
	next.nbDays = n
	i.state.Store(next)
	return nil
}

// SetCurrentCouponDate claims the settlement date on the register. Register
// errors are returned unchanged; on success the instrument becomes Ready.
func (i *Instrument) SetCurrentCouponDate(ctx context.Context, caller string) error {
	if err := i.requirePayingAgent(caller); err != nil {
		return fmt.Errorf("set current coupon date: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.reg.ClaimCurrent(ctx, i, i.recordDate, i.cutOff); err != nil {
		return err
	}
	next := i.state.Load().clone()
	next.status = StatusReady
	i.state.Store(next)
	i.logger.Info("settlement date claimed",
		slog.Time("date", i.date),
		slog.Time("record_instant", i.RecordInstant()),
	)
	return nil
}

// PaymentAmountForInvestor computes the amount owed to holder from the
// balance frozen at the settlement date.
func (i *Instrument) PaymentAmountForInvestor(holder string) (int64, error) {
	st := i.state.Load()
	if st.status != StatusReady {
		return 0, register.ErrNotReady
	}
	return i.amount(st, i.reg.BalanceAsOf(holder, i.date)).IntPart(), nil
}

func (i *Instrument) amount(st *instrumentState, balance int64) decimal.Decimal {
	terms := i.reg.Terms()
	principal := decimal.NewFromInt(terms.UnitValue).Mul(decimal.NewFromInt(balance))
	if i.kind == KindRedemption {
		return principal
	}
	num := principal.
		Mul(decimal.NewFromInt(terms.CouponRate)).
		Mul(decimal.NewFromInt(st.nbDays))
	den := decimal.NewFromInt(daysPerYear * terms.Scale())
	q, _ := num.QuoRem(den, 0)
	return q
}

// InvestorPaymentStatus returns the holder's status; unknown holders are ToBePaid.
func (i *Instrument) InvestorPaymentStatus(holder string) PaymentStatus {
	return i.state.Load().payments[holder]
}

// Settled reports whether every holder has confirmed receipt.
func (i *Instrument) Settled(holders []string) bool {
	st := i.state.Load()
	if st.status != StatusReady {
		return false
	}
	for _, h := range holders {
		if !st.payments[h].Terminal() {
			return false
		}
	}
	return true
}

// TogglePayment advances the holder's payment status according to the
// caller's role. For a redemption, marking a holder paid returns the redeemed
// units to the primary issuance account and resetting it gives them back.
func (i *Instrument) TogglePayment(ctx context.Context, caller, holder string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := i.state.Load()
	if st.status != StatusReady {
		return fmt.Errorf("toggle payment: %w", register.ErrNotReady)
	}
	// Nothing is committed until the transition is known to be legal.
	balance := i.reg.ProjectedBalanceAsOf(holder, i.date)
	if balance <= 0 {
		return fmt.Errorf("toggle payment: %w: %s", register.ErrInvestorNotAllowed, holder)
	}
	if i.reg.Now().Before(i.RecordInstant()) {
		return fmt.Errorf("toggle payment: %w", register.ErrCutOffNotPassed)
	}

	current := st.payments[holder]
	tr, err := nextStatus(i.access, caller, holder, current)
	if err != nil {
		return fmt.Errorf("toggle payment: %w", err)
	}

	var apply func(context.Context, string, int64) error
	switch tr {
	case Transition{From: ToBePaid, To: Paid}:
		apply = i.markPaid
	case Transition{From: Paid, To: ToBePaid}:
		apply = i.resetPaid
	case Transition{From: Paid, To: PaymentReceived}:
		apply = i.confirmReceipt
	default:
		return fmt.Errorf("toggle payment: %w", register.ErrInvalidPaymentStatus)
	}
	if err := apply(ctx, holder, balance); err != nil {
		return fmt.Errorf("toggle payment: %w", err)
	}

	next := st.clone()
	next.payments[holder] = tr.To
	i.state.Store(next)

	i.reg.Emit(ctx, register.Event{
		Kind:       register.EventPaymentStatusChanged,
		Actor:      caller,
		To:         holder,
		Instrument: i.id,
		Status:     tr.To.String(),
		Detail:     PaymentID(i.id, holder),
	})
	i.logger.Info("payment status changed",
		slog.String("holder", holder),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
	)
	return nil
}

// Coupon transitions move no units but still record any snapshot that has
// fallen due; redemption settlement does that inside its own mutation.
func (i *Instrument) markPaid(ctx context.Context, holder string, balance int64) error {
	if i.kind != KindRedemption {
		return i.reg.Checkpoint(ctx)
	}
	return i.reg.SettleRedemption(ctx, i, holder, balance, true)
}

func (i *Instrument) resetPaid(ctx context.Context, holder string, balance int64) error {
	if i.kind != KindRedemption {
		return i.reg.Checkpoint(ctx)
	}
	return i.reg.SettleRedemption(ctx, i, holder, balance, false)
}

func (i *Instrument) confirmReceipt(ctx context.Context, _ string, _ int64) error {
	return i.reg.Checkpoint(ctx)
}

// Payment is the reporting view of one holder's entitlement.
type Payment struct {
	Holder    string        `json:"holder"`
	PaymentID string        `json:"payment_id"`
	Balance   int64         `json:"balance"`
	Amount    string        `json:"amount"`
	Status    PaymentStatus `json:"status"`
}

// Payments lists every holder at the settlement date with the amount owed.
// Amounts are empty while the instrument is a draft.
func (i *Instrument) Payments() []Payment {
	st := i.state.Load()
	holders := i.reg.ListHoldersAsOf(i.date)
	out := make([]Payment, 0, len(holders))
	for _, h := range holders {
		bal := i.reg.BalanceAsOf(h, i.date)
		p := Payment{
			Holder:    h,
			PaymentID: PaymentID(i.id, h),
			Balance:   bal,
			Status:    st.payments[h],
		}
		if st.status == StatusReady {
			p.Amount = i.amount(st, bal).String()
		}
		out = append(out, p)
	}
	return out
}

// View is the reporting view of an instrument.
type View struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Date       time.Time `json:"date"`
	RecordDate time.Time `json:"record_date"`
	CutOffTime int64     `json:"cut_off_time"`
	NbDays     int64     `json:"nb_days"`
	Status     Status    `json:"status"`
}

func (i *Instrument) View() View {
	st := i.state.Load()
	return View{
		ID:         i.id,
		Kind:       i.kind,
		Date:       i.date,
		RecordDate: i.recordDate,
		CutOffTime: int64(i.cutOff / time.Second),
		NbDays:     st.nbDays,
		Status:     st.status,
	}
}
