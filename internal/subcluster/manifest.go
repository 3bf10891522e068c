package subcluster

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ocapkernel/kernel/internal/pkg/fsutil"
)

// Manifest is one on-disk subcluster description: a YAML file in the
// daemon's config directory. The file's base name (minus extension) is
// the subcluster's stable name — for system manifests that name is what
// startup orphan cleanup matches persisted records against.
type Manifest struct {
	Name   string `yaml:"-"`
	System bool   `yaml:"system,omitempty"`
	Config Config `yaml:",inline"`

	// Path and Hash identify the source file and its content, so a
	// reload pass can skip files that have not changed since they were
	// last applied.
	Path string `yaml:"-"`
	Hash string `yaml:"-"`
}

// LoadManifest parses one subcluster YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("subcluster manifest %s: %w", path, err)
	}
	if err := m.Config.Validate(); err != nil {
		return nil, fmt.Errorf("subcluster manifest %s: %w", path, err)
	}

	m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m.Path = path
	if m.Hash, err = fsutil.HashFile(path); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestDir loads every *.yaml / *.yml manifest in dir, sorted by
// name. A missing directory is not an error — a daemon with no
// configured subclusters is a valid (if idle) kernel.
func LoadManifestDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SystemNames returns the set of system subcluster names among
// manifests, the shape RecoverAll's orphan cleanup consumes.
func SystemNames(manifests []*Manifest) map[string]bool {
	names := make(map[string]bool)
	for _, m := range manifests {
		if m.System {
			names[m.Name] = true
		}
	}
	return names
}
