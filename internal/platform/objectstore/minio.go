package objectstore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Bucket is the MinIO bucket of the "minio" storage target.
type Bucket struct {
	Client *minio.Client
	Name   string
}

// OpenBucket connects to MinIO and creates the bucket when it is missing.
func OpenBucket(ctx context.Context, cfg Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	b := &Bucket{Client: client, Name: cfg.Bucket}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("probe bucket %s: %w", cfg.Bucket, err)
	}
	if exists {
		return b, nil
	}
	err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return b, nil
}

// Check backs the /readyz minio probe.
func (b *Bucket) Check(ctx context.Context) error {
	exists, err := b.Client.BucketExists(ctx, b.Name)
	if err != nil {
		return fmt.Errorf("probe bucket %s: %w", b.Name, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", b.Name)
	}
	return nil
}
