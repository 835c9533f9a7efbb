// internal/resolver/source.go
package resolver

import (
	"bytes"
	"fmt"
)

// Source is a model given either as a filesystem path or as raw bytes.
type Source struct {
	path   string
	data   []byte
	isPath bool
}

// FromPath returns a Source for an existing file or directory.
func FromPath(path string) Source {
	return Source{path: path, isPath: true}
}

// FromBytes returns a Source for model bytes held in memory: a zipped
// model package or a single-file model.
func FromBytes(data []byte) Source {
	return Source{data: data}
}

// IsPath reports whether s was built by FromPath.
func (s Source) IsPath() bool { return s.isPath }

// Path returns the path of a path source.
func (s Source) Path() string { return s.path }

// Bytes returns the data of a bytes source. It is not copied.
func (s Source) Bytes() []byte { return s.data }

func (s Source) String() string {
	if s.isPath {
		return fmt.Sprintf("path(%s)", s.path)
	}
	return fmt.Sprintf("bytes(%d)", len(s.data))
}

// zipMagic is the local file header signature every zip archive starts with.
var zipMagic = []byte("PK\x03\x04")

// IsZip reports whether data looks like a zip archive.
func IsZip(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// Artifact is a resolved model ready for an executor: a path on disk or
// in-memory bytes.
type Artifact struct {
	// Path is the model file or package directory. Empty for in-memory models.
	Path string
	// Data holds an in-memory model. Executors must not modify it.
	Data []byte
	// Digest is the SHA-256 hex digest of a bytes source.
	Digest string
	// Cached is set when Path points into the extraction cache.
	Cached bool
}

// InMemory reports whether the artifact is served from Data.
func (a Artifact) InMemory() bool {
	return a.Path == ""
}

func (a Artifact) String() string {
	if a.InMemory() {
		return fmt.Sprintf("memory(%s, %d bytes)", short(a.Digest), len(a.Data))
	}
	return a.Path
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
