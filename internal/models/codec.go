package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ListSeparator joins list-valued attributes in the store.
const ListSeparator = ";"

// DelimitedList is a list attribute stored as a ";"-joined string.
type DelimitedList []string

// MarshalJSON writes null for an empty list.
func (l DelimitedList) MarshalJSON() ([]byte, error) {
	if len(l) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(strings.Join(l, ListSeparator))
}

// UnmarshalJSON splits a stored string. A JSON array is accepted too.
func (l *DelimitedList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	*l = strings.Split(s, ListSeparator)
	return nil
}

// String returns the stored representation.
func (l DelimitedList) String() string {
	return strings.Join(l, ListSeparator)
}

// Contains reports whether item is in the list.
func (l DelimitedList) Contains(item string) bool {
	for _, v := range l {
		if v == item {
			return true
		}
	}
	return false
}

// JSONText is a JSON-valued attribute stored as a JSON string.
type JSONText[T any] struct {
	Value T
	Valid bool
}

// NewJSONText wraps v as a set attribute.
func NewJSONText[T any](v T) JSONText[T] {
	return JSONText[T]{Value: v, Valid: true}
}

// MarshalJSON encodes the value and then quotes it.
func (j JSONText[T]) MarshalJSON() ([]byte, error) {
	if !j.Valid {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(j.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(raw))
}

// UnmarshalJSON accepts a quoted JSON document, an inline JSON document
// (json columns), or null.
func (j *JSONText[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var zero T
	j.Value, j.Valid = zero, false
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		data = []byte(s)
	}
	if err := json.Unmarshal(data, &j.Value); err != nil {
		return err
	}
	j.Valid = true
	return nil
}

// EncodeRow converts an entity into the column map written to the store.
// When columns is non-empty only those keys are kept.
func EncodeRow(v interface{}, columns ...string) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	row := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return row, nil
	}
	filtered := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		if value, ok := row[c]; ok {
			filtered[c] = value
		} else {
			filtered[c] = nil
		}
	}
	return filtered, nil
}

// DecodeRow fills v from a column map read from the store.
func DecodeRow(row map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
