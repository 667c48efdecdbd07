package profile

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var catalogSchema string

// Load reads a profile catalog from a YAML file, validates it against the
// embedded schema and returns the indexed catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile catalog: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	// Decode once into a generic tree for schema validation. yaml.v3 produces
	// map[string]interface{} values, which is what the validator expects.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile catalog: %w", err)
	}

	if err := validateCatalog(doc); err != nil {
		return nil, err
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("decode profile catalog: %w", err)
	}
	if err := catalog.index(); err != nil {
		return nil, fmt.Errorf("invalid profile catalog: %w", err)
	}
	return &catalog, nil
}

func validateCatalog(doc any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.json", strings.NewReader(catalogSchema)); err != nil {
		return fmt.Errorf("load catalog schema: %w", err)
	}
	schema, err := compiler.Compile("catalog.json")
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("profile catalog failed validation: %w", err)
	}
	return nil
}
