package register

import "errors"

// Rejections returned by register operations. Callers match them with errors.Is;
// the register wraps them with the name of the failing operation.
var (
	ErrOutOfRange           = errors.New("coupon date must be after issuance and before maturity")
	ErrPastDate             = errors.New("date is in the past")
	ErrAlreadySettled       = errors.New("coupon date already settled")
	ErrDateNotFound         = errors.New("settlement date does not exist")
	ErrDateAlreadyTaken     = errors.New("date of coupon or maturity already taken")
	ErrRecordDateTooEarly   = errors.New("record date more than 10 days before settlement date")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNotWhitelisted       = errors.New("not whitelisted")
	ErrRegisterClosed       = errors.New("register is closed")
	ErrCutOffNotPassed      = errors.New("cut-off time has not passed")
	ErrInvestorNotAllowed   = errors.New("investor is not allowed")
	ErrInvalidPaymentStatus = errors.New("invalid payment status")
	ErrUnauthorized         = errors.New("unauthorized")

	ErrInvalidStatus     = errors.New("operation not allowed in current register status")
	ErrMaturityReached   = errors.New("maturity cut-off time has passed")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrDuplicateDate     = errors.New("coupon date already scheduled")
	ErrSettlementPending = errors.New("settlement still pending")
	ErrNotReady          = errors.New("instrument is not ready")
	ErrInvalidTerms      = errors.New("invalid bond terms")
)
