package register

import (
	"context"
	"time"
)

// EventKind names a register event.
type EventKind string

const (
	EventNewBondDrafted          EventKind = "NewBondDrafted"
	EventBondDataChanged         EventKind = "BondDataChanged"
	EventRegisterStatusChanged   EventKind = "RegisterStatusChanged"
	EventSnapshot                EventKind = "Snapshot"
	EventSnapshotTimestampChange EventKind = "SnapshotTimestampChange"
	EventCouponDateInserted      EventKind = "CouponDateInserted"
	EventCouponDateDeleted       EventKind = "CouponDateDeleted"
	EventTransfer                EventKind = "Transfer"
	EventMint                    EventKind = "Mint"
	EventBurn                    EventKind = "Burn"
	EventPaymentStatusChanged    EventKind = "PaymentStatusChanged"
	EventRoleGranted             EventKind = "RoleGranted"
	EventRoleRevoked             EventKind = "RoleRevoked"
	EventWhitelisted             EventKind = "Whitelisted"
	EventUnwhitelisted           EventKind = "Unwhitelisted"
)

// Event is emitted after a mutation commits. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind       EventKind        `json:"kind"`
	At         time.Time        `json:"at"`
	Actor      string           `json:"actor,omitempty"`
	From       string           `json:"from,omitempty"`
	To         string           `json:"to,omitempty"`
	Quantity   int64            `json:"quantity,omitempty"`
	Date       *time.Time       `json:"date,omitempty"`
	Instant    *time.Time       `json:"instant,omitempty"`
	SnapshotID uint64           `json:"snapshot_id,omitempty"`
	Status     string           `json:"status,omitempty"`
	Instrument string           `json:"instrument,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	Balances   map[string]int64 `json:"balances,omitempty"`
}

// EventSink receives committed events. Sink failures are logged and never roll
// back the operation that produced the event.
type EventSink interface {
	Record(ctx context.Context, e Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e Event) error

func (f EventSinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

func timePtr(t time.Time) *time.Time {
	return &t
}
