// Package compute hands delegated node work to external asynchronous
// compute. Invokers return as soon as the work is accepted; results arrive
// later on the callback URL embedded in the task.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/platform/env"
)

const (
	ModeHTTP       = "http"
	ModeKubernetes = "kubernetes"
)

var taskValidate = validator.New()

// Input is one resolved input artifact, readable through URL until it expires.
type Input struct {
	Slot            string              `json:"slot" validate:"required"`
	NodeUUID        string              `json:"node_uuid" validate:"required"`
	URL             string              `json:"url,omitempty" validate:"omitempty,url"`
	Text            string              `json:"text,omitempty"`
	Kind            domain.ArtifactKind `json:"kind" validate:"required"`
	ContentType     string              `json:"content_type,omitempty"`
	DurationSeconds float64             `json:"duration_seconds,omitempty"`
}

// Output is where the compute must write its artifact.
type Output struct {
	StorageTarget string              `json:"storage_target" validate:"required"`
	StorageKey    string              `json:"storage_key" validate:"required"`
	Kind          domain.ArtifactKind `json:"kind" validate:"required"`
	ContentType   string              `json:"content_type" validate:"required"`
}

type Task struct {
	NodeUUID    string          `json:"node_uuid" validate:"required"`
	NodeType    domain.NodeType `json:"node_type" validate:"required"`
	ProcessUUID string          `json:"process_uuid" validate:"required"`
	CallbackURL string          `json:"callback_url" validate:"required,url"`
	Inputs      []Input         `json:"inputs" validate:"dive"`
	Output      Output          `json:"output"`
	Config      json.RawMessage `json:"config,omitempty"`
}

func (t Task) Validate() error {
	if err := taskValidate.Struct(t); err != nil {
		return fmt.Errorf("invalid compute task: %w", err)
	}
	for _, in := range t.Inputs {
		if in.URL == "" && in.Text == "" {
			return fmt.Errorf("invalid compute task: input %s/%s has neither url nor text", in.Slot, in.NodeUUID)
		}
	}
	return nil
}

type Invoker interface {
	Invoke(ctx context.Context, task Task) error
}

type Config struct {
	Mode           string
	FunctionURL    string
	FunctionToken  string
	RequestTimeout time.Duration

	Image          string
	Namespace      string
	ServiceAccount string
	JobTTL         time.Duration
	JobDeadline    time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("REELFORGE_COMPUTE_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("REELFORGE_COMPUTE_JOB_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	deadline, err := env.Duration("REELFORGE_COMPUTE_JOB_DEADLINE", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:           strings.ToLower(env.String("REELFORGE_COMPUTE_MODE", ModeHTTP)),
		FunctionURL:    env.String("REELFORGE_COMPUTE_URL", ""),
		FunctionToken:  env.String("REELFORGE_COMPUTE_TOKEN", ""),
		RequestTimeout: timeout,
		Image:          env.String("REELFORGE_COMPUTE_IMAGE", ""),
		Namespace:      env.String("REELFORGE_COMPUTE_NAMESPACE", ""),
		ServiceAccount: env.String("REELFORGE_COMPUTE_SERVICE_ACCOUNT", ""),
		JobTTL:         ttl,
		JobDeadline:    deadline,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeHTTP:
		if c.FunctionURL == "" {
			return errors.New("REELFORGE_COMPUTE_URL is required in http mode")
		}
	case ModeKubernetes:
		if c.Image == "" {
			return errors.New("REELFORGE_COMPUTE_IMAGE is required in kubernetes mode")
		}
	default:
		return fmt.Errorf("REELFORGE_COMPUTE_MODE must be %s or %s", ModeHTTP, ModeKubernetes)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REELFORGE_COMPUTE_TIMEOUT must be positive")
	}
	if c.JobTTL < 0 || c.JobDeadline < 0 {
		return errors.New("compute job ttl and deadline must be >= 0")
	}
	return nil
}
