// internal/resolver/resolver.go
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"

	"github.com/SyedDaiam9101/model-runner/internal/metrics"
)

// Cache stores extracted model packages by content digest. Lookup and Store
// are the only filesystem effects of resolution.
type Cache interface {
	// Lookup returns the model path stored under key, if a complete entry exists.
	Lookup(key string) (path string, ok bool, err error)
	// Store extracts the zip archive under key and returns the model path.
	// Concurrent stores of the same key must all return the same path.
	Store(key string, archive []byte) (string, error)
}

// Resolver turns a Source into an Artifact an executor can load.
type Resolver struct {
	cache  Cache
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for resolution events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Resolver backed by cache. A nil cache is allowed when only
// paths and non-archive bytes will be resolved.
func New(cache Cache, opts ...Option) *Resolver {
	r := &Resolver{cache: cache, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps src to an artifact:
//   - a path is returned unchanged without touching the cache;
//   - zip bytes are extracted once into the cache, keyed by SHA-256 digest;
//   - any other bytes are served from memory.
//
// The caller's bytes are never modified.
func (r *Resolver) Resolve(ctx context.Context, src Source) (Artifact, error) {
	if src.IsPath() {
		metrics.RecordResolve("path")
		return Artifact{Path: src.Path()}, nil
	}

	data := src.Bytes()
	if len(data) == 0 {
		metrics.RecordResolve("error")
		return Artifact{}, &ResolveError{Op: "read", Err: errors.New("empty model data")}
	}
	digest := Digest(data)

	if !IsZip(data) {
		metrics.RecordResolve("memory")
		r.logger.Debug("serving model from memory", zap.String("digest", digest), zap.Int("bytes", len(data)))
		return Artifact{Data: data, Digest: digest}, nil
	}

	if r.cache == nil {
		metrics.RecordResolve("error")
		return Artifact{}, &ResolveError{Digest: digest, Op: "lookup", Err: errors.New("no extraction cache configured")}
	}

	path, ok, err := r.cache.Lookup(digest)
	if err != nil {
		metrics.RecordResolve("error")
		return Artifact{}, wrap(digest, "lookup", err)
	}
	if ok {
		metrics.RecordResolve("hit")
		r.logger.Debug("model cache hit", zap.String("digest", digest), zap.String("path", path))
		return Artifact{Path: path, Digest: digest, Cached: true}, nil
	}

	path, err = r.cache.Store(digest, data)
	if err != nil {
		metrics.RecordResolve("error")
		r.logger.Warn("model extraction failed", zap.String("digest", digest), zap.Error(err))
		return Artifact{}, wrap(digest, "extract", err)
	}
	metrics.RecordResolve("extracted")
	r.logger.Info("model package extracted", zap.String("digest", digest), zap.String("path", path))
	return Artifact{Path: path, Digest: digest, Cached: true}, nil
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func wrap(digest, op string, err error) error {
	var re *ResolveError
	if errors.As(err, &re) {
		return err
	}
	return &ResolveError{Digest: digest, Op: op, Err: err}
}
