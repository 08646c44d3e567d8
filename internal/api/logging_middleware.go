package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/security"
)

type traceKey struct{}

// requestTrace carries what inner middleware learns back to the access log.
type requestTrace struct {
	account  string
	clientID string
}

// RequestLogger writes one access line per request. Client errors log at
// warn and server errors at error.
func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			trace := &requestTrace{}
			r = r.WithContext(context.WithValue(r.Context(), traceKey{}, trace))
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			attrs := []slog.Attr{
				slog.String("cid", security.CorrelationIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				attrs = append(attrs, slog.String("route", rc.RoutePattern()))
			}
			if trace.account != "" {
				attrs = append(attrs, slog.String("account", trace.account), slog.String("client_id", trace.clientID))
			}

			level := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case sw.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			l.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}

// tracePrincipal hands the authenticated account to the access log.
func tracePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace, ok := r.Context().Value(traceKey{}).(*requestTrace); ok {
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				trace.account, trace.clientID = p.Account, p.ClientID
			}
		}
		next.ServeHTTP(w, r)
	})
}
