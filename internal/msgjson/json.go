package msgjson

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is a raw JSON document stored in a jsonb (postgres) or text (sqlite)
// column. It satisfies sql.Scanner and driver.Valuer without gorm.io/datatypes.
type JSON []byte

// FromValue marshals v; a nil v yields an empty document.
func FromValue(v any) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgjson: marshal: %w", err)
	}
	return JSON(data), nil
}

// Decode unmarshals the document into v. Empty documents leave v untouched.
func (j JSON) Decode(v any) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, v)
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("msgjson.JSON: invalid JSON value")
	}
	return append([]byte(nil), j...), nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("msgjson.JSON: invalid JSON payload")
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Value implements driver.Valuer. Empty documents are stored as SQL NULL.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("msgjson.JSON: invalid JSON value")
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("msgjson.JSON: unsupported scan type %T", value)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("msgjson.JSON: invalid JSON payload")
	}
	*j = append((*j)[:0], raw...)
	return nil
}
