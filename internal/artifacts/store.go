// Package artifacts stores node outputs in durable object storage. A Store is
// bound to one bucket; the Router picks the Store for a pipeline's storage
// target.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/reelforge/internal/domain"
)

var (
	ErrObjectNotFound = errors.New("artifact object not found")
	ErrUnknownTarget  = errors.New("unknown storage target")
)

const DefaultPresignTTL = 15 * time.Minute

type Object struct {
	Key         string
	Size        int64
	ContentType string
}

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Stat(ctx context.Context, key string) (Object, error)
}

// NodeKey derives the object key of an execution attempt's output. The token
// keeps attempts of the same node from overwriting each other.
func NodeKey(workingDir, pipelineUUID, nodeUUID, token, ext string) string {
	dir := strings.Trim(strings.TrimSpace(workingDir), "/")
	if dir == "" {
		dir = domain.DefaultWorkingDir
	}
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(dir, pipelineUUID, nodeUUID, token+ext)
}

var contentTypeExtensions = map[string]string{
	"audio/mpeg":       ".mp3",
	"audio/mp3":        ".mp3",
	"audio/wav":        ".wav",
	"audio/x-wav":      ".wav",
	"audio/ogg":        ".ogg",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/webp":       ".webp",
	"text/plain":       ".txt",
	"application/json": ".json",
}

var kindDefaults = map[domain.ArtifactKind]struct{ ext, contentType string }{
	domain.ArtifactKindVideo: {".mp4", "video/mp4"},
	domain.ArtifactKindAudio: {".mp3", "audio/mpeg"},
	domain.ArtifactKindImage: {".png", "image/png"},
	domain.ArtifactKindText:  {".txt", "text/plain"},
}

// Extension picks a file extension from the content type, falling back to the
// artifact kind.
func Extension(contentType string, kind domain.ArtifactKind) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := contentTypeExtensions[ct]; ok {
		return ext
	}
	if d, ok := kindDefaults[kind]; ok {
		return d.ext
	}
	return ".bin"
}

// ContentType returns contentType when set and the kind's default otherwise.
func ContentType(contentType string, kind domain.ArtifactKind) string {
	if ct := strings.TrimSpace(contentType); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if d, ok := kindDefaults[kind]; ok {
		return d.contentType
	}
	return "application/octet-stream"
}

// Router maps storage target names to stores.
type Router struct {
	stores        map[string]Store
	defaultTarget string
}

func NewRouter(defaultTarget string) *Router {
	return &Router{stores: map[string]Store{}, defaultTarget: strings.TrimSpace(defaultTarget)}
}

func (r *Router) Register(target string, store Store) {
	r.stores[strings.TrimSpace(target)] = store
}

// For returns the store and the resolved target name. An empty target
// resolves to the router default.
func (r *Router) For(target string) (Store, string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		target = r.defaultTarget
	}
	store, ok := r.stores[target]
	if !ok || store == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return store, target, nil
}

// ForPipeline resolves the store configured for p.
func (r *Router) ForPipeline(p domain.Pipeline) (Store, string, error) {
	return r.For(p.Config.StorageTarget)
}

func (r *Router) Targets() []string {
	out := make([]string, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	return out
}
