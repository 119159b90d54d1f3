// Package definition holds the registration step catalog. The catalog is
// embedded in the binary, parsed once and never mutated afterwards.
package definition

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/portal/model"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Catalog is the parsed form of a catalog file.
type Catalog struct {
	Version  string                 `yaml:"version"`
	Steps    []model.StepDefinition `yaml:"steps"`
	Checksum string                 `yaml:"-"`
}

// Parse decodes catalog YAML and records its SHA-256 checksum.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parsing catalog: %w", err)
	}
	c.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return c, nil
}

// LoadFile reads and parses a catalog from disk. It is used by tooling that
// checks a catalog before it is embedded.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Embedded returns the catalog compiled into the binary.
func Embedded() (Catalog, error) {
	return Parse(embeddedCatalog)
}
