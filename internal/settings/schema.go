// Package settings validates and persists the per-user configuration
// categories against a YAML schema.
package settings

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSchema []byte

// Field describes one configurable key.
type Field struct {
	Type        string   `yaml:"type"` // number | int | bool | string | enum
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	MaxLength   int      `yaml:"max_length"`
	Options     []string `yaml:"options"`
	Default     any      `yaml:"default"`
	Description string   `yaml:"description"`
}

// Schema is the top-level YAML structure.
type Schema struct {
	Categories map[string]map[string]Field `yaml:"categories"`
}

// LoadSchema reads the schema at path, or the embedded default when path is empty.
func LoadSchema(path string) (*Schema, error) {
	data := defaultSchema
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	return ParseSchema(data)
}

// ParseSchema decodes a schema and normalizes every default through its field type.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings schema: %w", err)
	}
	if len(s.Categories) == 0 {
		return nil, fmt.Errorf("settings schema has no categories")
	}
	for cat, fields := range s.Categories {
		for key, f := range fields {
			v, err := f.Coerce(f.Default)
			if err != nil {
				return nil, fmt.Errorf("default %s.%s: %w", cat, key, err)
			}
			f.Default = v
			fields[key] = f
		}
	}
	return &s, nil
}

// Category returns the fields of a category.
func (s *Schema) Category(name string) (map[string]Field, bool) {
	f, ok := s.Categories[name]
	return f, ok
}

// CategoryNames returns categories in a stable order.
func (s *Schema) CategoryNames() []string {
	names := make([]string, 0, len(s.Categories))
	for n := range s.Categories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Coerce converts v to the field type and checks bounds.
func (f Field) Coerce(v any) (any, error) {
	switch f.Type {
	case "number":
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return n, f.checkRange(n)
	case "int":
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("expected an integer, got %v", v)
		}
		return int(n), f.checkRange(n)
	case "bool":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("expected a boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected a boolean, got %v", v)
	case "string":
		s, ok := v.(string)
		if !ok {
			if v == nil {
				return "", nil
			}
			return nil, fmt.Errorf("expected a string, got %v", v)
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			return nil, fmt.Errorf("longer than %d characters", f.MaxLength)
		}
		return s, nil
	case "enum":
		s, ok := v.(string)
		s = strings.ToLower(strings.TrimSpace(s))
		if !ok || !slices.Contains(f.Options, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(f.Options, ", "))
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown field type %q", f.Type)
}

func (f Field) checkRange(n float64) error {
	if f.Min != nil && n < *f.Min {
		return fmt.Errorf("must be >= %v", *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Errorf("must be <= %v", *f.Max)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %v", v)
}
