// internal/resolver/dircache.go
package resolver

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// EntryNames are the well-known model entries looked for inside a cache
// directory, in order of preference.
var EntryNames = []string{"model.mlpackage", "model.mlmodelc", "model.mlmodel", "model.onnx"}

// modelExts are accepted for a single top-level entry that isn't well-known.
var modelExts = []string{".mlpackage", ".mlmodelc", ".mlmodel", ".onnx"}

const (
	defaultMemoSize = 128
	stagingPrefix   = ".staging-"
)

// DefaultCacheDir returns the default extraction cache base directory.
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), "coreml-cache")
}

// DirCache is a content-addressed extraction cache on the local filesystem.
// Each entry lives at <base>/<digest>/ and holds one model entry.
//
// Entries are extracted into a staging directory and published with a
// single rename, so readers never observe a partial entry and concurrent
// writers of the same digest converge on one directory.
type DirCache struct {
	base   string
	memo   *lru.Cache[string, string]
	logger *zap.Logger
}

// CacheOption configures a DirCache.
type CacheOption func(*DirCache)

// WithCacheLogger sets the logger for cache events.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *DirCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewDirCache creates the base directory if needed. An empty base selects
// DefaultCacheDir.
func NewDirCache(base string, opts ...CacheOption) (*DirCache, error) {
	if base == "" {
		base = DefaultCacheDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	memo, err := lru.New[string, string](defaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache memo: %w", err)
	}
	c := &DirCache{base: base, memo: memo, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Base returns the cache base directory.
func (c *DirCache) Base() string { return c.base }

// Dir returns the entry directory for key.
func (c *DirCache) Dir(key string) string {
	return filepath.Join(c.base, key)
}

// Lookup returns the model path for key. A memoised hit still checks that
// the path exists; an entry directory without a model is removed.
func (c *DirCache) Lookup(key string) (string, bool, error) {
	if err := validKey(key); err != nil {
		return "", false, err
	}
	if path, ok := c.memo.Get(key); ok {
		if _, err := os.Stat(path); err == nil {
			return path, true, nil
		}
		c.memo.Remove(key)
	}

	dir := c.Dir(key)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	path, err := findEntry(dir)
	if err != nil {
		c.logger.Warn("removing incomplete cache entry", zap.String("dir", dir), zap.Error(err))
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return "", false, fmt.Errorf("failed to remove incomplete entry: %w", rmErr)
		}
		return "", false, nil
	}
	c.memo.Add(key, path)
	return path, true, nil
}

// Store extracts archive into a staging directory and renames it into
// place. If another writer published key first, the staging copy is
// discarded and the existing entry is returned.
func (c *DirCache) Store(key string, archive []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	stage := filepath.Join(c.base, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(stage, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(stage)
		}
	}()

	if err := extractZip(archive, stage); err != nil {
		return "", err
	}
	if _, err := findEntry(stage); err != nil {
		return "", err
	}

	final := c.Dir(key)
	if err := os.Rename(stage, final); err != nil {
		// Lost the race, or a stale entry is in the way.
		path, ok, lookErr := c.Lookup(key)
		if lookErr == nil && ok {
			c.logger.Debug("cache entry published concurrently", zap.String("key", key))
			return path, nil
		}
		// Lookup removed an incomplete entry; retry once.
		if err := os.Rename(stage, final); err != nil {
			return "", fmt.Errorf("failed to publish cache entry: %w", err)
		}
	}
	published = true

	path, err := findEntry(final)
	if err != nil {
		return "", err
	}
	c.memo.Add(key, path)
	return path, nil
}

// Forget drops key from the in-memory memo without touching disk.
func (c *DirCache) Forget(key string) {
	c.memo.Remove(key)
}

// Memoised reports whether key is held in the in-memory memo.
func (c *DirCache) Memoised(key string) bool {
	return c.memo.Contains(key)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasPrefix(key, stagingPrefix) {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}

// findEntry returns the model entry inside dir: the first well-known name
// present, else the only top-level entry with a model extension.
func findEntry(dir string) (string, error) {
	for _, name := range EntryNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var found []string
	for _, e := range entries {
		if slices.Contains(modelExts, strings.ToLower(filepath.Ext(e.Name()))) {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	if len(found) > 1 {
		return "", fmt.Errorf("archive holds %d model entries, expected one", len(found))
	}
	return "", fmt.Errorf("archive holds none of %v", EntryNames)
}

// extractZip writes every archive member under dest, rejecting members
// whose names would escape it.
func extractZip(archive []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	for _, f := range zr.File {
		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("unsafe archive entry %q", f.Name)
	}
	target := filepath.Join(dest, name)
	mode := f.Mode()
	if mode&fs.ModeSymlink != 0 {
		return fmt.Errorf("archive entry %q is a symlink", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %q: %w", f.Name, err)
	}
	return out.Close()
}
