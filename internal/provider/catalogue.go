package provider

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/reelforge/internal/domain"
)

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 60
	DefaultRateLimit    = 5.0
	DefaultTimeout      = 30 * time.Second
)

var catalogueValidate *validator.Validate

func init() {
	catalogueValidate = validator.New()
	_ = catalogueValidate.RegisterValidation("nodetype", func(fl validator.FieldLevel) bool {
		return domain.NodeType(fl.Field().String()).Valid()
	})
}

type OAuth2 struct {
	TokenURL        string   `yaml:"token_url" validate:"required,url"`
	ClientID        string   `yaml:"client_id" validate:"required"`
	ClientSecretEnv string   `yaml:"client_secret_env" validate:"required"`
	Scopes          []string `yaml:"scopes"`
}

// Entry is one provider in the catalogue. Durations are YAML duration strings
// ("5s", "1m30s"); RateLimit is requests per second.
type Entry struct {
	Name         string            `yaml:"name" validate:"required"`
	NodeTypes    []domain.NodeType `yaml:"node_types" validate:"required,min=1,dive,nodetype"`
	BaseURL      string            `yaml:"base_url" validate:"required,url"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	OAuth2       *OAuth2           `yaml:"oauth2"`
	InitialDelay time.Duration     `yaml:"initial_delay" validate:"gte=0"`
	PollInterval time.Duration     `yaml:"poll_interval" validate:"gte=0"`
	MaxAttempts  int               `yaml:"max_attempts" validate:"gte=0"`
	RateLimit    float64           `yaml:"rate_limit" validate:"gte=0"`
	Timeout      time.Duration     `yaml:"timeout" validate:"gte=0"`
}

func (e Entry) withDefaults() Entry {
	if e.InitialDelay == 0 {
		e.InitialDelay = DefaultInitialDelay
	}
	if e.PollInterval == 0 {
		e.PollInterval = DefaultPollInterval
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.RateLimit == 0 {
		e.RateLimit = DefaultRateLimit
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	return e
}

type Catalogue struct {
	Providers []Entry `yaml:"providers" validate:"dive"`
}

func LoadCatalogue(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read provider catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes and validates a YAML catalogue. A node type may be
// served by at most one provider.
func ParseCatalogue(data []byte) (Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalogue{}, fmt.Errorf("parse provider catalogue: %w", err)
	}
	if err := catalogueValidate.Struct(cat); err != nil {
		return Catalogue{}, fmt.Errorf("invalid provider catalogue: %w", err)
	}
	names := map[string]struct{}{}
	owners := map[domain.NodeType]string{}
	for i, e := range cat.Providers {
		if e.OAuth2 != nil {
			if err := catalogueValidate.Struct(e.OAuth2); err != nil {
				return Catalogue{}, fmt.Errorf("provider %q oauth2: %w", e.Name, err)
			}
		}
		if _, dup := names[e.Name]; dup {
			return Catalogue{}, fmt.Errorf("duplicate provider %q", e.Name)
		}
		names[e.Name] = struct{}{}
		for _, t := range e.NodeTypes {
			if owner, taken := owners[t]; taken {
				return Catalogue{}, fmt.Errorf("node type %q served by both %q and %q", t, owner, e.Name)
			}
			owners[t] = e.Name
		}
		cat.Providers[i] = e.withDefaults()
	}
	return cat, nil
}

// Credentials resolves the secrets an entry references from the environment.
func (e Entry) Credentials() (apiKey, clientSecret string, err error) {
	if e.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(e.APIKeyEnv))
		if apiKey == "" {
			return "", "", fmt.Errorf("provider %q: %s is not set", e.Name, e.APIKeyEnv)
		}
	}
	if e.OAuth2 != nil {
		clientSecret = strings.TrimSpace(os.Getenv(e.OAuth2.ClientSecretEnv))
		if clientSecret == "" {
			return "", "", fmt.Errorf("provider %q: %s is not set", e.Name, e.OAuth2.ClientSecretEnv)
		}
	}
	return apiKey, clientSecret, nil
}
