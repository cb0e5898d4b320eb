package dispatch

import (
	"errors"
	"net/url"
	"time"

	"github.com/animus-labs/reelforge/internal/platform/env"
)

const (
	DefaultSubmitTimeout      = 20 * time.Second
	DefaultPresignTTL         = time.Hour
	DefaultPresignConcurrency = 8
)

type Config struct {
	SubmitTimeout      time.Duration
	PresignTTL         time.Duration
	PresignConcurrency int
	// CallbackURL is the public address compute posts completions to.
	CallbackURL string
}

func ConfigFromEnv() (Config, error) {
	submit, err := env.Duration("REELFORGE_SUBMIT_TIMEOUT", DefaultSubmitTimeout)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("REELFORGE_PRESIGN_TTL", DefaultPresignTTL)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("REELFORGE_PRESIGN_CONCURRENCY", DefaultPresignConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		SubmitTimeout:      submit,
		PresignTTL:         ttl,
		PresignConcurrency: concurrency,
		CallbackURL:        env.String("REELFORGE_CALLBACK_URL", "http://localhost:8080/callbacks/node-execution"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SubmitTimeout <= 0 {
		return errors.New("REELFORGE_SUBMIT_TIMEOUT must be positive")
	}
	if c.PresignTTL <= 0 {
		return errors.New("REELFORGE_PRESIGN_TTL must be positive")
	}
	if c.PresignConcurrency < 1 {
		return errors.New("REELFORGE_PRESIGN_CONCURRENCY must be >= 1")
	}
	u, err := url.Parse(c.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("REELFORGE_CALLBACK_URL must be an absolute http(s) url")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = DefaultPresignTTL
	}
	if c.PresignConcurrency < 1 {
		c.PresignConcurrency = DefaultPresignConcurrency
	}
	return c
}
