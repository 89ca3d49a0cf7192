package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the projection manifest inside the query directory.
const ManifestFile = "projections.yaml"

var projectionName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ProjectionEntry declares one projection to load at startup.
type ProjectionEntry struct {
	Name    string `yaml:"name"`
	File    string `yaml:"file"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when the manifest omits the flag.
func (e ProjectionEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Manifest lists the projections of a query directory.
type Manifest struct {
	Projections []ProjectionEntry `yaml:"projections"`
}

// LoadManifest reads projections.yaml from queryDir. A missing file yields an
// empty manifest.
func LoadManifest(queryDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(queryDir, ManifestFile))
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Projections))
	for i, p := range m.Projections {
		if !ValidProjectionName(p.Name) {
			return nil, fmt.Errorf("manifest entry %d: invalid projection name %q", i, p.Name)
		}
		if p.File == "" {
			return nil, fmt.Errorf("manifest entry %s: file is required", p.Name)
		}
		if filepath.IsAbs(p.File) || filepath.Clean(p.File) != filepath.Base(p.File) {
			return nil, fmt.Errorf("manifest entry %s: file must be inside the query directory", p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("manifest entry %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
	}
	return &m, nil
}

// ByFile returns the entry whose file matches base name file.
func (m *Manifest) ByFile(file string) (ProjectionEntry, bool) {
	for _, p := range m.Projections {
		if p.File == file {
			return p, true
		}
	}
	return ProjectionEntry{}, false
}

// Save writes the manifest back to queryDir.
func (m *Manifest) Save(queryDir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.MkdirAll(queryDir, 0755); err != nil {
		return fmt.Errorf("failed to create query directory: %w", err)
	}
	return os.WriteFile(filepath.Join(queryDir, ManifestFile), data, 0644)
}

// ValidProjectionName reports whether name can be used in URLs and file names.
func ValidProjectionName(name string) bool {
	return projectionName.MatchString(name)
}
