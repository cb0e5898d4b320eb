package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/reelforge/internal/platform/env"
)

// Mode selects how inbound compute callbacks are authenticated.
type Mode string

const (
	ModeOIDC         Mode = "oidc"
	ModeSharedSecret Mode = "shared_secret"
	ModeDisabled     Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	Subject string
	Email   string
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type Config struct {
	Mode Mode

	OIDCIssuerURL   string
	OIDCAudience    string
	AllowedSubjects []string

	SharedSecret string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.String("REELFORGE_CALLBACK_AUTH_MODE", string(ModeSharedSecret)))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeSharedSecret):
		mode = ModeSharedSecret
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("REELFORGE_CALLBACK_AUTH_MODE must be one of: oidc, shared_secret, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:            mode,
		OIDCIssuerURL:   env.String("REELFORGE_CALLBACK_OIDC_ISSUER_URL", "https://accounts.google.com"),
		OIDCAudience:    env.String("REELFORGE_CALLBACK_OIDC_AUDIENCE", ""),
		AllowedSubjects: env.Strings("REELFORGE_CALLBACK_ALLOWED_SUBJECTS", nil),
		SharedSecret:    env.String("REELFORGE_CALLBACK_SECRET", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return errors.New("REELFORGE_CALLBACK_OIDC_ISSUER_URL is required when REELFORGE_CALLBACK_AUTH_MODE=oidc")
		}
		if c.OIDCAudience == "" {
			return errors.New("REELFORGE_CALLBACK_OIDC_AUDIENCE is required when REELFORGE_CALLBACK_AUTH_MODE=oidc")
		}
	case ModeSharedSecret:
		if len(strings.TrimSpace(c.SharedSecret)) < 16 {
			return errors.New("REELFORGE_CALLBACK_SECRET must be at least 16 characters when REELFORGE_CALLBACK_AUTH_MODE=shared_secret")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported callback auth mode %q", c.Mode)
	}
	return nil
}

// New builds the authenticator for cfg.Mode. ModeDisabled yields nil.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeSharedSecret:
		return SharedSecret(cfg.SharedSecret), nil
	default:
		return nil, nil
	}
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
