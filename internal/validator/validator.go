package validator

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Built-in payload schemas.
const (
	SchemaMenuLink = "menu_link"
	SchemaCompare  = "compare"
	SchemaRAGQuery = "rag_query"
)

//go:embed schemas/*.json
var builtin embed.FS

type Options struct {
	// SchemaDir optionally overrides built-in schemas with <name>.json files.
	SchemaDir string
}

type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

type Result struct {
	Valid       bool      `json:"valid"`
	Schema      string    `json:"schema"`
	Errors      []string  `json:"errors,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func New(opts Options) (*Validator, error) {
	v := &Validator{schemas: map[string]*gojsonschema.Schema{}}

	entries, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := builtin.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, err
		}
		if err := v.add(strings.TrimSuffix(entry.Name(), ".json"), data); err != nil {
			return nil, err
		}
	}

	if opts.SchemaDir != "" {
		files, err := filepath.Glob(filepath.Join(filepath.Clean(opts.SchemaDir), "*.json"))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read schema: %w", err)
			}
			if err := v.add(strings.TrimSuffix(filepath.Base(file), ".json"), data); err != nil {
				return nil, err
			}
		}
	}

	return v, nil
}

func (v *Validator) add(name string, data []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Names lists the registered schemas.
func (v *Validator) Names() []string {
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks payload against the named schema.
func (v *Validator) Validate(name string, payload []byte) Result {
	result := Result{Valid: true, Schema: name, GeneratedAt: time.Now()}

	schema, ok := v.schemas[name]
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("unknown schema %q", name))
		return result
	}
	if len(payload) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "request body is empty")
		return result
	}

	schemaResult, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("schema validation error: %v", err))
		return result
	}
	if !schemaResult.Valid() {
		result.Valid = false
		for _, e := range schemaResult.Errors() {
			result.Errors = append(result.Errors, e.String())
		}
	}
	return result
}
