package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier is the part of *oidc.IDTokenVerifier the authenticator uses.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator accepts callbacks signed with an ID token minted for the
// configured audience, as issued to serverless compute service accounts.
type OIDCAuthenticator struct {
	verifier IDTokenVerifier
	allowed  map[string]struct{}
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})
	return NewOIDCAuthenticatorWithVerifier(verifier, cfg.AllowedSubjects), nil
}

func NewOIDCAuthenticatorWithVerifier(verifier IDTokenVerifier, allowedSubjects []string) *OIDCAuthenticator {
	allowed := make(map[string]struct{}, len(allowedSubjects))
	for _, s := range allowedSubjects {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			allowed[s] = struct{}{}
		}
	}
	return &OIDCAuthenticator{verifier: verifier, allowed: allowed}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	identity := Identity{Subject: idToken.Subject, Email: claims.Email}
	if len(a.allowed) == 0 {
		return identity, nil
	}
	if _, ok := a.allowed[strings.ToLower(identity.Subject)]; ok {
		return identity, nil
	}
	if _, ok := a.allowed[strings.ToLower(identity.Email)]; ok && identity.Email != "" {
		return identity, nil
	}
	return Identity{}, errors.New("token subject is not allowed to post callbacks")
}
