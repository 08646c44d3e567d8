package api

import (
	"errors"
	"net/http"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/archive"
	"github.com/example/bond-register/internal/register"
	"github.com/example/bond-register/internal/security"
	"github.com/example/bond-register/internal/settlement"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable is checked in order with errors.Is.
var errorTable = []errorMapping{
	{register.ErrUnauthorized, http.StatusForbidden, "unauthorized_role"},
	{register.ErrNotWhitelisted, http.StatusForbidden, "not_whitelisted"},
	{register.ErrInvestorNotAllowed, http.StatusForbidden, "investor_not_allowed"},

	{register.ErrDateNotFound, http.StatusNotFound, "date_not_found"},
	{settlement.ErrInstrumentNotFound, http.StatusNotFound, "instrument_not_found"},
	{archive.ErrNotFound, http.StatusNotFound, "not_found"},

	{register.ErrDateAlreadyTaken, http.StatusConflict, "date_already_taken"},
	{register.ErrDuplicateDate, http.StatusConflict, "duplicate_date"},
	{register.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{register.ErrInvalidStatus, http.StatusConflict, "invalid_status"},
	{register.ErrRegisterClosed, http.StatusConflict, "register_closed"},
	{register.ErrSettlementPending, http.StatusConflict, "settlement_pending"},
	{register.ErrNotReady, http.StatusConflict, "not_ready"},
	{register.ErrCutOffNotPassed, http.StatusConflict, "cut_off_not_passed"},
	{register.ErrMaturityReached, http.StatusConflict, "maturity_reached"},
	{register.ErrInvalidPaymentStatus, http.StatusConflict, "invalid_payment_status"},
	{register.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},

	{register.ErrOutOfRange, http.StatusUnprocessableEntity, "out_of_range"},
	{register.ErrPastDate, http.StatusUnprocessableEntity, "past_date"},
	{register.ErrRecordDateTooEarly, http.StatusUnprocessableEntity, "record_date_too_early"},
	{register.ErrInvalidQuantity, http.StatusUnprocessableEntity, "invalid_quantity"},
	{register.ErrInvalidTerms, http.StatusUnprocessableEntity, "invalid_terms"},
	{access.ErrUnknownRole, http.StatusUnprocessableEntity, "unknown_role"},
}

// writeError maps domain errors to a status and error code. Anything
// unrecognised is logged and reported as internal_error.
func writeError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			security.WriteJSONErrorMessage(w, r, m.status, m.code, err.Error())
			return
		}
	}
	deps.Logger.Error("request failed",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
}
