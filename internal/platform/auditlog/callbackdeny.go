package auditlog

import (
	"context"
	"net/netip"

	"github.com/animus-labs/reelforge/internal/platform/auth"
)

// InsertAuthDeny records a callback request the authenticator turned away.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	var ip netip.Addr
	if addr, err := netip.ParseAddrPort(event.RemoteAddr); err == nil {
		ip = addr.Addr()
	}
	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		Actor:        "anonymous",
		Action:       "auth." + event.Reason,
		ResourceType: ResourceHTTP,
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"error":   event.Error,
		},
	})
	return err
}
