// Package pipeline loads gantry definition files and validates the
// structural invariants the engine relies on: an acyclic dependency graph,
// well-formed matrices and resolvable references.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opnlabs/gantry/pkg/models"
)

// Load reads, parses and validates a definition file.
func Load(path string) (*models.Definition, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(contents)
}

// Parse decodes a definition from raw YAML and validates it. The returned
// error is a DefinitionErrors list when validation failed.
func Parse(contents []byte) (*models.Definition, error) {
	var def models.Definition
	if err := yaml.Unmarshal(contents, &def); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
