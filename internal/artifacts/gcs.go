package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
)

type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
	now    func() time.Time
}

func NewGCSStore(client *storage.Client, bucket string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &GCSStore{bucket: client.Bucket(bucket), name: bucket, now: time.Now}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	written, err := io.Copy(w, body)
	if err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("upload gs://%s/%s: %w", s.name, key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize gs://%s/%s: %w", s.name, key, err)
	}
	if size >= 0 && written != size {
		return Object{}, fmt.Errorf("upload gs://%s/%s: wrote %d of %d bytes", s.name, key, written, size)
	}
	return Object{Key: key, Size: written, ContentType: contentType}, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (Object, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return Object{}, fmt.Errorf("stat gs://%s/%s: %w", s.name, key, err)
	}
	return Object{Key: key, Size: attrs.Size, ContentType: attrs.ContentType}, nil
}

func (s *GCSStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	u, err := s.bucket.SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign gs://%s/%s: %w", s.name, key, err)
	}
	return u, nil
}
