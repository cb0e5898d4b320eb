package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. Presigned URLs point at
// BaseURL and are only meaningful to whoever serves that address.
type MemoryStore struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: baseURL, objects: map[string]memoryObject{}}
}

func (s *MemoryStore) Put(_ context.Context, key string, body io.Reader, size int64, contentType string) (Object, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Object{}, fmt.Errorf("put %s: read %d of %d bytes", key, len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: data, contentType: contentType}
	return Object{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return Object{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (s *MemoryStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	if _, err := s.Stat(context.Background(), key); err != nil {
		return "", err
	}
	q := url.Values{"expires_in": {fmt.Sprintf("%d", int(ttl.Seconds()))}}
	return s.BaseURL + "/" + key + "?" + q.Encode(), nil
}

// Open returns the stored bytes of key.
func (s *MemoryStore) Open(key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}
