package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/animus-labs/reelforge/internal/platform/requestid"
)

// DenyEvent describes one rejected callback request.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

// Middleware guards the callback endpoint. A nil Authenticator lets every
// request through. When AuditLimit is set, denials beyond its rate are
// logged but not audited, so a misconfigured worker cannot flood the audit
// table.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Audit         AuditFunc
	AuditLimit    *rate.Limiter
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	if m.Authenticator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err == nil {
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
			return
		}

		id, _ := requestid.FromContext(r.Context())
		event := DenyEvent{
			Time:       time.Now().UTC(),
			Status:     http.StatusUnauthorized,
			Reason:     denyReason(err),
			Error:      err.Error(),
			RequestID:  id,
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		}
		m.deny(r.Context(), event)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="reelforge-callbacks"`)
		w.WriteHeader(event.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": event.Reason, "request_id": id})
	})
}

func denyReason(err error) string {
	if errors.Is(err, ErrUnauthenticated) {
		return "unauthorized"
	}
	return "invalid_token"
}

func (m Middleware) deny(ctx context.Context, event DenyEvent) {
	logger := m.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Warn("callback auth deny",
		"reason", event.Reason,
		"request_id", event.RequestID,
		"remote_addr", event.RemoteAddr,
		"error", event.Error,
	)
	if m.Audit == nil {
		return
	}
	if m.AuditLimit != nil && !m.AuditLimit.Allow() {
		logger.Debug("callback auth deny not audited, rate exceeded", "request_id", event.RequestID)
		return
	}
	if err := m.Audit(ctx, event); err != nil {
		logger.Warn("audit callback deny", "request_id", event.RequestID, "error", err.Error())
	}
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
