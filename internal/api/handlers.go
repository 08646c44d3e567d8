package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/config"
	"github.com/example/bond-register/internal/register"
	"github.com/example/bond-register/internal/security"
)

type quantityRequest struct {
	Quantity int64 `json:"quantity"`
}

type transferRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Quantity int64  `json:"quantity"`
}

type couponDateRequest struct {
	Date string `json:"date"`
}

type balanceResponse struct {
	Account string  `json:"account"`
	AsOf    *string `json:"as_of,omitempty"`
	Balance int64   `json:"balance"`
}

type holdersResponse struct {
	AsOf    string            `json:"as_of"`
	Holders []balanceResponse `json:"holders"`
}

func handleGetBond(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, deps.Register.BondData())
	}
}

func handleSetBond(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req config.BondSection
		if !decode(w, r, &req) {
			return
		}
		terms, err := req.Terms()
		if err != nil {
			writeError(deps, w, r, fmt.Errorf("%w: %v", register.ErrInvalidTerms, err))
			return
		}
		if err := deps.Register.SetBondData(r.Context(), auth.AccountFromContext(r.Context()), terms); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, deps.Register.BondData())
	}
}

func handleSetExpectedSupply(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExpectedSupply int64 `json:"expected_supply"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := deps.Register.SetExpectedSupply(r.Context(), auth.AccountFromContext(r.Context()), req.ExpectedSupply); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, deps.Register.BondData())
	}
}

func handleStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		if !decode(w, r, &req) {
			return
		}
		caller := auth.AccountFromContext(r.Context())
		var err error
		switch req.Action {
		case "make_ready":
			err = deps.Register.MakeReady(r.Context(), caller)
		case "revert_ready":
			err = deps.Register.RevertReady(r.Context(), caller)
		case "issue":
			err = deps.Register.Issue(r.Context(), caller)
		}
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, deps.Register.BondData())
	}
}

func handleInsertCouponDate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req couponDateRequest
		if !decode(w, r, &req) {
			return
		}
		d, ok := dateParam(w, r, "date", req.Date)
		if !ok {
			return
		}
		if err := deps.Register.InsertCouponDate(r.Context(), auth.AccountFromContext(r.Context()), d); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, deps.Register.BondData())
	}
}

func handleDeleteCouponDate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := dateParam(w, r, "date", chi.URLParam(r, "date"))
		if !ok {
			return
		}
		if err := deps.Register.DeleteCouponDate(r.Context(), auth.AccountFromContext(r.Context()), d); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, deps.Register.BondData())
	}
}

func handleMint(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req quantityRequest
		if !decode(w, r, &req) {
			return
		}
		if err := deps.Register.Mint(r.Context(), auth.AccountFromContext(r.Context()), req.Quantity); err != nil {
			writeError(deps, w, r, err)
			return
		}
		primary := deps.Register.PrimaryAccount()
		writeJSON(w, r, http.StatusOK, balanceResponse{Account: primary, Balance: deps.Register.Balance(primary)})
	}
}

func handleBurn(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req quantityRequest
		if !decode(w, r, &req) {
			return
		}
		if err := deps.Register.Burn(r.Context(), auth.AccountFromContext(r.Context()), req.Quantity); err != nil {
			writeError(deps, w, r, err)
			return
		}
		primary := deps.Register.PrimaryAccount()
		writeJSON(w, r, http.StatusOK, balanceResponse{Account: primary, Balance: deps.Register.Balance(primary)})
	}
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if !decode(w, r, &req) {
			return
		}
		err := deps.Register.Transfer(r.Context(), auth.AccountFromContext(r.Context()), req.From, req.To, req.Quantity)
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, []balanceResponse{
			{Account: req.From, Balance: deps.Register.Balance(req.From)},
			{Account: req.To, Balance: deps.Register.Balance(req.To)},
		})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := chi.URLParam(r, "account")
		raw := r.URL.Query().Get("as_of")
		if raw == "" {
			writeJSON(w, r, http.StatusOK, balanceResponse{Account: account, Balance: deps.Register.Balance(account)})
			return
		}
		d, ok := dateParam(w, r, "as_of", raw)
		if !ok {
			return
		}
		writeJSON(w, r, http.StatusOK, balanceResponse{Account: account, AsOf: &raw, Balance: deps.Register.BalanceAsOf(account, d)})
	}
}

func handleHolders(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("as_of")
		if raw == "" {
			raw = deps.Register.CurrentCouponDate().Format(time.DateOnly)
		}
		d, ok := dateParam(w, r, "as_of", raw)
		if !ok {
			return
		}
		resp := holdersResponse{AsOf: raw, Holders: []balanceResponse{}}
		for _, h := range deps.Register.ListHoldersAsOf(d) {
			resp.Holders = append(resp.Holders, balanceResponse{Account: h, Balance: deps.Register.BalanceAsOf(h, d)})
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleSnapshots(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, deps.Register.Snapshots())
	}
}

func handleSnapshot(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := dateParam(w, r, "date", chi.URLParam(r, "date"))
		if !ok {
			return
		}
		s, found := deps.Register.Snapshot(d)
		if !found {
			security.WriteJSONError(w, r, http.StatusNotFound, "snapshot_not_found")
			return
		}
		writeJSON(w, r, http.StatusOK, s)
	}
}

type roleRequest struct {
	Account string `json:"account"`
	Role    string `json:"role"`
}

type whitelistRequest struct {
	List    string `json:"list"`
	Account string `json:"account"`
}

func requireIssuerAdmin(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Access.HasRole(auth.AccountFromContext(r.Context()), access.RoleIssuerAdmin) {
		return true
	}
	writeError(deps, w, r, fmt.Errorf("%w: sender must be an issuer admin", register.ErrUnauthorized))
	return false
}

func handleRole(deps Dependencies, grant bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roleRequest
		if !decode(w, r, &req) || !requireIssuerAdmin(deps, w, r) {
			return
		}
		role, err := access.ParseRole(req.Role)
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		if grant {
			err = deps.Access.Grant(req.Account, role)
		} else {
			err = deps.Access.Revoke(req.Account, role)
		}
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string][]string{string(role): deps.Access.Members(role)})
	}
}

func handleWhitelist(deps Dependencies, add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req whitelistRequest
		if !decode(w, r, &req) || !requireIssuerAdmin(deps, w, r) {
			return
		}
		kind := access.ListKind(req.List)
		var err error
		if add {
			err = deps.Access.Whitelist(kind, req.Account)
		} else {
			err = deps.Access.Unwhitelist(kind, req.Account)
		}
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string][]string{req.List: deps.Access.Listed(kind)})
	}
}

func handleVerifyArchive(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Archive == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "archive_unavailable")
			return
		}
		report, err := deps.Archive.Verify(r.Context())
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		status := http.StatusOK
		if !report.Intact {
			status = http.StatusConflict
		}
		writeJSON(w, r, status, report)
	}
}

func handleArchiveEvents(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Archive == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "archive_unavailable")
			return
		}
		q := r.URL.Query()
		var after uint64
		limit := 100
		if v := q.Get("after"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_after")
				return
			}
			after = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
			limit = n
		}
		entries, err := deps.Archive.Entries(r.Context(), after, limit)
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, entries)
	}
}
