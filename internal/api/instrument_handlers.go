package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/settlement"
)

type createInstrumentRequest struct {
	Kind       settlement.Kind `json:"kind"`
	Date       string          `json:"date"`
	RecordDate string          `json:"record_date"`
	NbDays     int64           `json:"nb_days"`
	CutOffTime *int64          `json:"cut_off_time"`
}

type paymentsResponse struct {
	Instrument settlement.View      `json:"instrument"`
	Payments   []settlement.Payment `json:"payments"`
}

func instrumentFromPath(deps Dependencies, w http.ResponseWriter, r *http.Request) (*settlement.Instrument, bool) {
	inst, err := deps.Book.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(deps, w, r, err)
		return nil, false
	}
	return inst, true
}

func handleListInstruments(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := []settlement.View{}
		for _, inst := range deps.Book.List() {
			views = append(views, inst.View())
		}
		writeJSON(w, r, http.StatusOK, views)
	}
}

func handleCreateInstrument(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createInstrumentRequest
		if !decode(w, r, &req) {
			return
		}
		date, ok := dateParam(w, r, "date", req.Date)
		if !ok {
			return
		}
		recordDate, ok := dateParam(w, r, "record_date", req.RecordDate)
		if !ok {
			return
		}

		p := settlement.Params{
			Date:       date,
			NbDays:     req.NbDays,
			RecordDate: recordDate,
			CutOffTime: deps.Register.Terms().CutOffTime,
			Logger:     deps.Logger,
		}
		if req.CutOffTime != nil {
			p.CutOffTime = *req.CutOffTime
		}

		caller := auth.AccountFromContext(r.Context())
		var (
			inst *settlement.Instrument
			err  error
		)
		if req.Kind == settlement.KindRedemption {
			inst, err = settlement.NewRedemption(deps.Register, deps.Access, caller, p)
		} else {
			inst, err = settlement.NewCoupon(deps.Register, deps.Access, caller, p)
		}
		if err != nil {
			writeError(deps, w, r, err)
			return
		}
		deps.Book.Add(inst)
		w.Header().Set("Location", "/v1/instruments/"+inst.ID())
		writeJSON(w, r, http.StatusCreated, inst.View())
	}
}

func handleGetInstrument(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentFromPath(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, r, http.StatusOK, inst.View())
	}
}

func handleSetNbDays(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentFromPath(deps, w, r)
		if !ok {
			return
		}
		var req struct {
			NbDays int64 `json:"nb_days"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := inst.SetNbDays(r.Context(), auth.AccountFromContext(r.Context()), req.NbDays); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, inst.View())
	}
}

func handleClaim(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentFromPath(deps, w, r)
		if !ok {
			return
		}
		if err := inst.SetCurrentCouponDate(r.Context(), auth.AccountFromContext(r.Context())); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, inst.View())
	}
}

func handlePayments(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentFromPath(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, r, http.StatusOK, paymentsResponse{Instrument: inst.View(), Payments: inst.Payments()})
	}
}

func handleTogglePayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := instrumentFromPath(deps, w, r)
		if !ok {
			return
		}
		holder := chi.URLParam(r, "holder")
		if err := inst.TogglePayment(r.Context(), auth.AccountFromContext(r.Context()), holder); err != nil {
			writeError(deps, w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{
			"holder":     holder,
			"payment_id": settlement.PaymentID(inst.ID(), holder),
			"status":     inst.InvestorPaymentStatus(holder).String(),
		})
	}
}
