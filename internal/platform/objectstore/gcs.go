package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBucket is the bucket of the "gcs" storage target.
type GCSBucket struct {
	Client *storage.Client
	Name   string
}

// OpenGCSBucket uses the credentials file when one is configured and
// application default credentials otherwise.
func OpenGCSBucket(ctx context.Context, cfg GCSConfig) (*GCSBucket, error) {
	if !cfg.Enabled() {
		return nil, errors.New("REELFORGE_GCS_BUCKET is not set")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("REELFORGE_GCS_CREDENTIALS_FILE: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSBucket{Client: client, Name: cfg.Bucket}, nil
}

// Check backs the /readyz gcs probe.
func (b *GCSBucket) Check(ctx context.Context) error {
	if _, err := b.Client.Bucket(b.Name).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", b.Name, err)
	}
	return nil
}

func (b *GCSBucket) Close() error {
	return b.Client.Close()
}
