package settlement

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/register"
)

// PaymentStatus tracks one holder's payment for an instrument.
type PaymentStatus int

const (
	ToBePaid PaymentStatus = iota
	Paid
	PaymentReceived
)

var paymentStatusNames = map[PaymentStatus]string{
	ToBePaid:        "to_be_paid",
	Paid:            "paid",
	PaymentReceived: "payment_received",
}

func (s PaymentStatus) String() string {
	if n, ok := paymentStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("payment_status(%d)", int(s))
}

func (s PaymentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PaymentStatus) UnmarshalText(b []byte) error {
	for k, v := range paymentStatusNames {
		if v == strings.ToLower(string(b)) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown payment status %q", string(b))
}

// Terminal reports whether no role may move the status any further.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReceived
}

// Transition is one legal edge of the payment state machine.
type Transition struct {
	From PaymentStatus
	To   PaymentStatus
}

// AllowedTransitions is the capability table: the edges each role may take.
func AllowedTransitions() map[access.Role][]Transition {
	return map[access.Role][]Transition{
		access.RoleIssuerAdmin: {
			{From: ToBePaid, To: Paid},
			{From: Paid, To: ToBePaid},
		},
		access.RoleCustodian: {
			{From: Paid, To: PaymentReceived},
		},
	}
}

// toggleRoles is the order roles are consulted when a caller holds several.
// Custodian comes first so a caller with both roles confirms receipt from
// Paid instead of resetting to ToBePaid.
var toggleRoles = []access.Role{access.RoleCustodian, access.RoleIssuerAdmin}

// InvalidPaymentTransitionError is returned when the caller holds a payment
// role but the table has no edge out of the holder's current status.
type InvalidPaymentTransitionError struct {
	Holder string
	From   PaymentStatus
	Roles  []access.Role
}

func (e *InvalidPaymentTransitionError) Error() string {
	return fmt.Sprintf("invalid payment status %s for %s with roles %v", e.From, e.Holder, e.Roles)
}

func (e *InvalidPaymentTransitionError) Unwrap() error {
	return register.ErrInvalidPaymentStatus
}

// nextStatus resolves the transition the caller is entitled to from current.
func nextStatus(checker access.Checker, caller, holder string, current PaymentStatus) (Transition, error) {
	table := AllowedTransitions()
	var held []access.Role
	for _, role := range toggleRoles {
		if !checker.HasRole(caller, role) {
			continue
		}
		held = append(held, role)
		for _, tr := range table[role] {
			if tr.From == current {
				return tr, nil
			}
		}
	}
	if len(held) == 0 {
		return Transition{}, fmt.Errorf("%w: %s must be issuer admin or custodian", register.ErrUnauthorized, caller)
	}
	return Transition{}, &InvalidPaymentTransitionError{Holder: holder, From: current, Roles: held}
}

// PaymentID derives the stable reference of a payment from the instrument and
// investor identities: the first 8 bytes of their keccak256 hash.
func PaymentID(instrumentID, investor string) string {
	sum := crypto.Keccak256([]byte(instrumentID), []byte(investor))
	return "0x" + hex.EncodeToString(sum[:8])
}
