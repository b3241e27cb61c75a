package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes raw recipe bytes into a mapping. YAML is a superset of
// JSON, so both formats are accepted.
func Parse(data []byte) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewMalformedInputError("failed to parse recipe", err)
	}
	if raw == nil {
		return nil, NewMalformedInputError("recipe document is empty", nil)
	}

	mapping, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, NewMalformedInputError(
			fmt.Sprintf("recipe document must be a mapping, got %T", raw), nil)
	}
	return mapping, nil
}

// LoadFile reads a recipe file and returns the parsed mapping plus the
// SHA-256 hex digest of the raw content.
func LoadFile(path string) (map[string]any, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", NewMalformedInputError("failed to read recipe file", err)
	}

	raw, err := Parse(data)
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(data)
	return raw, hex.EncodeToString(sum[:]), nil
}

// ValidateFile loads and validates a recipe file, stamping the spec's
// metadata with the source path and content hash.
func ValidateFile(path string, probe ResolveProbe) (*RecipeSpec, []ValidationMessage, error) {
	raw, hash, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}

	spec, msgs, err := ValidateWithProbe(raw, probe)
	if err != nil {
		return nil, nil, err
	}

	spec.Metadata.Source = path
	spec.Metadata.SourceHash = hash
	return spec, msgs, nil
}

// normalize rewrites the interface-keyed maps the YAML decoder can emit
// for non-string keys into string-keyed maps, recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}
