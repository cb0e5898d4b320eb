package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
)

// SharedSecret authenticates callbacks carrying the secret as a bearer token.
type SharedSecret string

func (s SharedSecret) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	token := tokenFromHeader(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s)) != 1 {
		return Identity{}, errors.New("callback secret mismatch")
	}
	return Identity{Subject: "shared-secret"}, nil
}
