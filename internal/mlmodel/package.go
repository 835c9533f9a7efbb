package mlmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

// ManifestName is the package manifest file at the root of an .mlpackage.
const ManifestName = "Manifest.json"

type manifest struct {
	FileFormatVersion   string `json:"fileFormatVersion"`
	RootModelIdentifier string `json:"rootModelIdentifier"`
	ItemInfoEntries     map[string]struct {
		Path string `json:"path"`
		Name string `json:"name"`
	} `json:"itemInfoEntries"`
}

// ReadPackage reads the root model of an .mlpackage directory, located
// through its manifest.
func ReadPackage(dir string) (feature.Description, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return feature.Description{}, fmt.Errorf("%w: %s has no %s", ErrNotCoreML, dir, ManifestName)
		}
		return feature.Description{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return feature.Description{}, fmt.Errorf("%w: bad manifest: %v", ErrNotCoreML, err)
	}
	item, ok := m.ItemInfoEntries[m.RootModelIdentifier]
	if !ok || item.Path == "" {
		return feature.Description{}, fmt.Errorf("%w: manifest root %q not listed", ErrNotCoreML, m.RootModelIdentifier)
	}
	rel := filepath.FromSlash(item.Path)
	if !filepath.IsLocal(rel) {
		return feature.Description{}, fmt.Errorf("%w: manifest path %q escapes package", ErrNotCoreML, item.Path)
	}

	spec, err := os.ReadFile(filepath.Join(dir, "Data", rel))
	if err != nil {
		return feature.Description{}, fmt.Errorf("failed to read model spec: %w", err)
	}
	return ReadDescription(spec)
}

// ReadFile reads a single .mlmodel file.
func ReadFile(path string) (feature.Description, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return feature.Description{}, err
	}
	return ReadDescription(b)
}

// ReadPath dispatches on what path holds: an .mlpackage directory or an
// .mlmodel file. Compiled .mlmodelc bundles carry no readable description.
func ReadPath(path string) (feature.Description, error) {
	info, err := os.Stat(path)
	if err != nil {
		return feature.Description{}, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".mlmodelc":
		return feature.Description{}, fmt.Errorf("%w: compiled bundle %s has no readable description", ErrNotCoreML, path)
	case info.IsDir():
		return ReadPackage(path)
	case ext == ".mlmodel":
		return ReadFile(path)
	}
	return feature.Description{}, fmt.Errorf("%w: %s", ErrNotCoreML, path)
}
