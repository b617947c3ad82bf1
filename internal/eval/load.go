package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidInput = errors.New("invalid evaluation input")

func LoadDataset(path string) (*Dataset, error) {
	var ds Dataset
	if err := loadFile(path, &ds); err != nil {
		return nil, err
	}
	if err := ds.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &ds, nil
}

func LoadVariant(path string) (*Variant, error) {
	var v Variant
	if err := loadFile(path, &v); err != nil {
		return nil, err
	}
	if err := v.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &v, nil
}

func LoadRules(path string) ([]Rule, error) {
	var rs RuleSet
	if err := loadFile(path, &rs); err != nil {
		return nil, err
	}
	if err := validateRules(rs.Rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs.Rules, nil
}

func loadFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := Decode(raw, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Decode reads JSON or YAML into out. YAML is normalized to JSON first so both
// formats share the json field names and reject unknown fields.
func Decode(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidInput)
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		var generic any
		if err := yaml.Unmarshal(trimmed, &generic); err != nil {
			return fmt.Errorf("%w: parse yaml: %v", ErrInvalidInput, err)
		}
		converted, err := json.Marshal(normalize(generic))
		if err != nil {
			return fmt.Errorf("%w: convert yaml: %v", ErrInvalidInput, err)
		}
		trimmed = converted
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// normalize turns yaml's map[string]any trees with non-string keys into JSON-encodable values.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}
