// Package openapi embeds the gateway's OpenAPI document.
package openapi

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"sigs.k8s.io/yaml"
)

//go:embed spec.yaml
var specYAML []byte

var (
	jsonOnce sync.Once
	specJSON []byte
	jsonErr  error
)

// JSON returns the document serialized as JSON. The conversion runs once.
func JSON() ([]byte, error) {
	jsonOnce.Do(func() {
		specJSON, jsonErr = yaml.YAMLToJSON(specYAML)
	})
	return specJSON, jsonErr
}

// YAML returns the raw YAML document.
func YAML() []byte {
	return specYAML
}

// Render returns the document in the requested format ("json" or "yaml", empty
// meaning json) together with its content type.
func Render(format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", "json":
		data, err := JSON()
		return data, "application/json", err
	case "yaml", "yml":
		return YAML(), "application/yaml", nil
	default:
		return nil, "", fmt.Errorf("unsupported format %q", format)
	}
}
