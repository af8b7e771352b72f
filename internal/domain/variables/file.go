package variables

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML mapping of NAME: value pairs. Scalar values of any
// YAML type are kept in their textual form.
func LoadFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variables file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML mapping into Values.
func Parse(data []byte) (Values, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}
	vals := Values{}
	if len(root.Content) == 0 {
		return vals, nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse variables: expected a mapping at line %d", mapping.Line)
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if !ValidName(key.Value) {
			return nil, fmt.Errorf("parse variables: invalid name %q at line %d", key.Value, key.Line)
		}
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parse variables: %s must be a scalar (line %d)", key.Value, value.Line)
		}
		vals[key.Value] = value.Value
	}
	return vals, nil
}

// ParseAssignments parses NAME=value pairs as given on a command line.
func ParseAssignments(pairs []string) (Values, error) {
	vals := Values{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || !ValidName(name) {
			return nil, fmt.Errorf("invalid variable assignment %q (want NAME=value)", pair)
		}
		vals[name] = value
	}
	return vals, nil
}
