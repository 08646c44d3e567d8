package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/security"
	"github.com/example/bond-register/pkg/audit"
)

// Auditor appends one entry per request to a hash chain.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// AuditMiddleware records every state-changing request, together with
// the authenticated account, in the request audit chain. The chain head
// is logged so that an external collector can detect gaps.
func AuditMiddleware(a Auditor, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			payload := fmt.Sprintf("cid=%s account=%s method=%s path=%s status=%d dur_ms=%d",
				security.CorrelationIDFromContext(r.Context()),
				auth.AccountFromContext(r.Context()),
				r.Method, r.URL.Path, sw.status, time.Since(start).Milliseconds())
			entry := a.Append(payload)
			if l != nil && entry != nil {
				l.Info("audit", "seq", entry.Seq, "hash", entry.Hash, "entry", payload)
			}
		})
	}
}
