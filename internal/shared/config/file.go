package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// applyFile reads a flat YAML mapping of env keys to values, e.g.
//
//	BLOB_BACKEND: gridfs
//	RENDER_DPI: 200
//
// and exports every key that is not already set in the environment.
func applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	values, err := parseFile(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for key, val := range values {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func parseFile(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc))
	for key, val := range doc {
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" || val == nil {
			continue
		}
		switch v := val.(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("key %s: nested mappings are not supported", key)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out, nil
}
