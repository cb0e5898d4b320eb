// Package objectstore connects to the buckets behind the "minio" and "gcs"
// storage targets.
package objectstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/animus-labs/reelforge/internal/platform/env"
)

// Config is the MinIO/S3 connection used for the "minio" storage target.
type Config struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

// ConfigFromEnv accepts REELFORGE_MINIO_ENDPOINT as host:port or as an
// http(s) URL. A URL scheme overrides REELFORGE_MINIO_USE_SSL.
func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("REELFORGE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	endpoint, useSSL, err := splitEndpoint(env.String("REELFORGE_MINIO_ENDPOINT", "localhost:9000"), useSSL)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  endpoint,
		UseSSL:    useSSL,
		AccessKey: env.String("REELFORGE_MINIO_ACCESS_KEY", "reelforge"),
		SecretKey: env.String("REELFORGE_MINIO_SECRET_KEY", "reelforgeminio"),
		Region:    env.String("REELFORGE_MINIO_REGION", "us-east-1"),
		Bucket:    env.String("REELFORGE_MINIO_BUCKET", "reelforge-artifacts"),
	}
	return cfg, cfg.Validate()
}

func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("REELFORGE_MINIO_ENDPOINT: %w", err)
	}
	if strings.Trim(u.Path, "/") != "" {
		return "", false, fmt.Errorf("REELFORGE_MINIO_ENDPOINT must not carry a path (got %q)", raw)
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("REELFORGE_MINIO_ENDPOINT scheme must be http or https (got %q)", u.Scheme)
	}
}

func (c Config) Validate() error {
	var errs []error
	required := []struct{ key, value string }{
		{"REELFORGE_MINIO_ENDPOINT", c.Endpoint},
		{"REELFORGE_MINIO_ACCESS_KEY", c.AccessKey},
		{"REELFORGE_MINIO_SECRET_KEY", c.SecretKey},
		{"REELFORGE_MINIO_REGION", c.Region},
		{"REELFORGE_MINIO_BUCKET", c.Bucket},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if strings.Contains(c.Endpoint, "://") {
		errs = append(errs, fmt.Errorf("endpoint must be host:port, got %q", c.Endpoint))
	}
	if strings.TrimSpace(c.Bucket) != "" {
		if err := s3utils.CheckValidBucketNameStrict(c.Bucket); err != nil {
			errs = append(errs, fmt.Errorf("REELFORGE_MINIO_BUCKET: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GCSConfig configures the "gcs" storage target. An empty Bucket disables it.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

func GCSConfigFromEnv() GCSConfig {
	return GCSConfig{
		Bucket:          env.String("REELFORGE_GCS_BUCKET", ""),
		CredentialsFile: env.String("REELFORGE_GCS_CREDENTIALS_FILE", ""),
	}
}

func (c GCSConfig) Enabled() bool {
	return c.Bucket != ""
}
