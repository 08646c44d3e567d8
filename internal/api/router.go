package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/archive"
	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/register"
	"github.com/example/bond-register/internal/security"
	"github.com/example/bond-register/internal/settlement"
)

// EventArchive is the read side of the event archive.
type EventArchive interface {
	Entries(ctx context.Context, afterSeq uint64, limit int) ([]archive.Entry, error)
	Verify(ctx context.Context) (archive.Report, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Register *register.Register
	Access   *access.Manager
	Book     *settlement.Book

	Archive EventArchive
	Stream  http.HandlerFunc

	Auditor      Auditor
	RateLimiter  *security.RateLimiter
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	schemas, err := security.NewSchemaSet(schemaSources())
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	read := auth.RequireScopes(onAuthError, auth.ScopeRead)
	write := auth.RequireScopes(onAuthError, auth.ScopeWrite)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimit(deps.RateLimiter, security.ClientIPKey))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/.well-known/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		r.Use(tracePrincipal)
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
		}

		r.With(read).Get("/bond", handleGetBond(deps))
		r.With(write, schemas.Validate("bond")).Put("/bond", handleSetBond(deps))
		r.With(write, schemas.Validate("expected_supply")).Put("/bond/expected-supply", handleSetExpectedSupply(deps))
		r.With(write, schemas.Validate("status")).Post("/bond/status", handleStatus(deps))

		r.With(write, schemas.Validate("coupon_date")).Post("/coupon-dates", handleInsertCouponDate(deps))
		r.With(write).Delete("/coupon-dates/{date}", handleDeleteCouponDate(deps))

		r.With(write, schemas.Validate("quantity")).Post("/mint", handleMint(deps))
		r.With(write, schemas.Validate("quantity")).Post("/burn", handleBurn(deps))
		r.With(write, schemas.Validate("transfer")).Post("/transfers", handleTransfer(deps))

		r.With(read).Get("/accounts/{account}/balance", handleBalance(deps))
		r.With(read).Get("/holders", handleHolders(deps))
		r.With(read).Get("/snapshots", handleSnapshots(deps))
		r.With(read).Get("/snapshots/{date}", handleSnapshot(deps))

		r.Route("/instruments", func(r chi.Router) {
			r.With(read).Get("/", handleListInstruments(deps))
			r.With(write, schemas.Validate("instrument")).Post("/", handleCreateInstrument(deps))
			r.With(read).Get("/{id}", handleGetInstrument(deps))
			r.With(write, schemas.Validate("nb_days")).Put("/{id}/nb-days", handleSetNbDays(deps))
			r.With(write).Post("/{id}/claim", handleClaim(deps))
			r.With(read).Get("/{id}/payments", handlePayments(deps))
			r.With(write).Post("/{id}/payments/{holder}/toggle", handleTogglePayment(deps))
		})

		r.Route("/access", func(r chi.Router) {
			r.Use(write)
			r.With(schemas.Validate("role")).Post("/roles", handleRole(deps, true))
			r.With(schemas.Validate("role")).Delete("/roles", handleRole(deps, false))
			r.With(schemas.Validate("whitelist")).Post("/whitelist", handleWhitelist(deps, true))
			r.With(schemas.Validate("whitelist")).Delete("/whitelist", handleWhitelist(deps, false))
		})

		r.With(read).Get("/audit/verify", handleVerifyArchive(deps))
		r.With(read).Get("/audit/events", handleArchiveEvents(deps))
		if deps.Stream != nil {
			r.With(read).Get("/events/ws", deps.Stream)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
