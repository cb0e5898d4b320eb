// Package requestid carries the id of an inbound request through dispatch so
// compute invocations and audit rows can be correlated with it.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is propagated on inbound requests and outbound compute calls.
const Header = "X-Request-Id"

const maxLen = 128

func New() string {
	return uuid.NewString()
}

// Ensure returns id when a caller supplied a usable one and a fresh id otherwise.
func Ensure(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLen || strings.ContainsAny(id, "\r\n") {
		return New()
	}
	return id
}

type ctxKey struct{}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
