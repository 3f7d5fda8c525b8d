package embedding

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes a local feature-hashing model. Models are small YAML
// files kept under the models directory.
type Manifest struct {
	Name       string  `yaml:"name"`
	Version    int     `yaml:"version"`
	Dimensions int     `yaml:"dimensions"`
	NgramMin   int     `yaml:"ngram_min"`
	NgramMax   int     `yaml:"ngram_max"`
	WordWeight float64 `yaml:"word_weight"`
	GramWeight float64 `yaml:"gram_weight"`
	Seed       string  `yaml:"seed"`
}

var builtinManifests = map[string]Manifest{
	"hash-embed-small": {
		Name: "hash-embed-small", Version: 1, Dimensions: 384,
		NgramMin: 3, NgramMax: 4, WordWeight: 1, GramWeight: 0.5, Seed: "hes1",
	},
	"hash-embed-base": {
		Name: "hash-embed-base", Version: 1, Dimensions: 768,
		NgramMin: 3, NgramMax: 5, WordWeight: 1, GramWeight: 0.4, Seed: "heb1",
	},
}

// BuiltinModels lists the models that need no download URL.
func BuiltinModels() []string {
	return []string{"hash-embed-small", "hash-embed-base"}
}

// Validate checks that a manifest describes a usable model.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if m.Dimensions <= 0 {
		return fmt.Errorf("manifest %s: dimensions must be positive", m.Name)
	}
	if m.NgramMin < 0 || m.NgramMax < m.NgramMin {
		return fmt.Errorf("manifest %s: invalid ngram range %d..%d", m.Name, m.NgramMin, m.NgramMax)
	}
	if m.WordWeight <= 0 && m.GramWeight <= 0 {
		return fmt.Errorf("manifest %s: at least one feature weight must be positive", m.Name)
	}
	return nil
}

// Marshal encodes the manifest as YAML.
func (m Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse model manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read model manifest: %w", err)
	}
	return ParseManifest(data)
}
