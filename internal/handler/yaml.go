package handler

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptionalYAML reads a YAML mapping from path. A missing, empty, or
// unparseable file, or one whose top level is not a mapping, yields an
// empty map.
func LoadOptionalYAML(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
