package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// scanJSON decodes a jsonb column. Postgres hands back []byte while sqlite may
// return a string.
func scanJSON(value interface{}, dest any, name string) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%s: unsupported scan type %T", name, value)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%s: decode: %w", name, err)
	}
	return nil
}

func valueJSON(src any) (driver.Value, error) {
	b, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONMap stores opaque provider payloads as jsonb.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return valueJSON(map[string]any(m))
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	out := map[string]any{}
	if err := scanJSON(value, &out, "json map"); err != nil {
		return err
	}
	*m = out
	return nil
}
