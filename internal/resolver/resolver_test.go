package resolver

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func packageZip(t *testing.T) []byte {
	return makeZip(t, map[string]string{
		"model.mlpackage/Manifest.json":                    `{"fileFormatVersion":"1.0.0"}`,
		"model.mlpackage/Data/com.apple.CoreML/model.mlmodel": "weights",
	})
}

// countingCache wraps DirCache and counts Store calls.
type countingCache struct {
	*DirCache
	mu     sync.Mutex
	stores int
}

func (c *countingCache) Store(key string, archive []byte) (string, error) {
	c.mu.Lock()
	c.stores++
	c.mu.Unlock()
	return c.DirCache.Store(key, archive)
}

func TestResolve_ZipExtractsOnce(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	cache := &countingCache{DirCache: dc}
	r := New(cache)

	data := packageZip(t)
	first, err := r.Resolve(context.Background(), FromBytes(data))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), FromBytes(data))
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, cache.stores)
	assert.True(t, first.Cached)
	assert.Equal(t, filepath.Join(dc.Dir(Digest(data)), "model.mlpackage"), first.Path)

	_, err = os.Stat(filepath.Join(first.Path, "Manifest.json"))
	assert.NoError(t, err)
}

func TestResolve_Path(t *testing.T) {
	r := New(nil)
	a, err := r.Resolve(context.Background(), FromPath("/models/does-not-matter.mlmodelc"))
	require.NoError(t, err)
	assert.Equal(t, "/models/does-not-matter.mlmodelc", a.Path)
	assert.False(t, a.InMemory())
	assert.False(t, a.Cached)
}

func TestResolve_InMemoryBytesUntouched(t *testing.T) {
	base := t.TempDir()
	dc, err := NewDirCache(base)
	require.NoError(t, err)
	r := New(dc)

	data := []byte("\x08\x04\x12\x00not a zip")
	orig := bytes.Clone(data)
	a, err := r.Resolve(context.Background(), FromBytes(data))
	require.NoError(t, err)

	assert.True(t, a.InMemory())
	assert.Equal(t, orig, a.Data)
	assert.Equal(t, orig, data)
	assert.Equal(t, Digest(orig), a.Digest)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_CorruptZipLeavesNoResidue(t *testing.T) {
	base := t.TempDir()
	dc, err := NewDirCache(base)
	require.NoError(t, err)
	r := New(dc)

	data := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0xff}, 64)...)
	_, err = r.Resolve(context.Background(), FromBytes(data))
	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, Digest(data), re.Digest)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_ZipWithoutModelEntry(t *testing.T) {
	base := t.TempDir()
	dc, err := NewDirCache(base)
	require.NoError(t, err)

	data := makeZip(t, map[string]string{"README.txt": "hello"})
	_, err = New(dc).Resolve(context.Background(), FromBytes(data))
	require.Error(t, err)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_RejectsZipSlip(t *testing.T) {
	base := t.TempDir()
	dc, err := NewDirCache(filepath.Join(base, "cache"))
	require.NoError(t, err)

	data := makeZip(t, map[string]string{
		"model.onnx":       "x",
		"../../escape.txt": "gotcha",
	})
	_, err = New(dc).Resolve(context.Background(), FromBytes(data))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(base, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolve_EmptyBytes(t *testing.T) {
	_, err := New(nil).Resolve(context.Background(), FromBytes(nil))
	var re *ResolveError
	assert.True(t, errors.As(err, &re))
}

func TestDirCache_SingleTopLevelEntry(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	data := makeZip(t, map[string]string{"Classifier.onnx": "onnx bytes"})
	path, err := dc.Store(Digest(data), data)
	require.NoError(t, err)
	assert.Equal(t, "Classifier.onnx", filepath.Base(path))
}

func TestDirCache_RemovesIncompleteEntry(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	key := Digest([]byte("k"))
	require.NoError(t, os.MkdirAll(filepath.Join(dc.Dir(key), "junk"), 0o755))

	_, ok, err := dc.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(dc.Dir(key))
	assert.True(t, os.IsNotExist(err))
}

func TestDirCache_MemoHitChecksExistence(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	data := packageZip(t)
	key := Digest(data)
	_, err = dc.Store(key, data)
	require.NoError(t, err)
	require.True(t, dc.Memoised(key))

	require.NoError(t, os.RemoveAll(dc.Dir(key)))
	_, ok, err := dc.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, dc.Memoised(key))
}

func TestDirCache_ConcurrentStoresConverge(t *testing.T) {
	base := t.TempDir()
	dc, err := NewDirCache(base)
	require.NoError(t, err)

	data := packageZip(t)
	key := Digest(data)

	const n = 8
	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = dc.Store(key, data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging dirs must be cleaned up")
}

func TestDirCache_InvalidKey(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	_, _, err = dc.Lookup("../etc")
	assert.Error(t, err)
	_, err = dc.Store("", nil)
	assert.Error(t, err)
}

func TestWatch_EvictsRemovedEntries(t *testing.T) {
	dc, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	data := packageZip(t)
	key := Digest(data)
	_, err = dc.Store(key, data)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := dc.Watch(ctx)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.RemoveAll(dc.Dir(key)))
	assert.Eventually(t, func() bool { return !dc.Memoised(key) }, 2*time.Second, 10*time.Millisecond)
}
