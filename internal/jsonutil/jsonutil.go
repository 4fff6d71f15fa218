// Package jsonutil provides shared JSON helpers: enum (un)marshalling,
// error-wrapped decoding, stream-json line scanning and the encoding of
// structured values stored in text columns.
package jsonutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// StringEnum is a constraint for enum types that have a String() method.
type StringEnum interface {
	String() string
}

// MarshalEnum marshals an enum value as its string form.
func MarshalEnum[T StringEnum](v T) ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalEnum decodes a JSON string and converts it with parse.
func UnmarshalEnum[T StringEnum](data []byte, parse func(string) (T, error)) (T, error) {
	var zero T
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return zero, err
	}
	return parse(s)
}

// ParseEnumError creates a standardized error for an invalid enum string.
func ParseEnumError(enumName, value string) error {
	return fmt.Errorf("unknown %s: %q", enumName, value)
}

// UnmarshalWithContext unmarshals JSON data into v and wraps any error
// with the provided context message.
func UnmarshalWithContext(data []byte, v any, context string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// GetString safely extracts a string value from a decoded JSON object.
func GetString(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// ScanObjects calls fn for every line of output that decodes as a JSON
// object. Non-JSON lines are skipped. Scanning stops when fn returns false.
func ScanObjects(output string, fn func(obj map[string]any) bool) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]any
		if json.Unmarshal([]byte(line), &obj) != nil {
			continue
		}
		if !fn(obj) {
			return
		}
	}
}

// EncodeColumn encodes v for storage in a text column. A nil value
// encodes as the empty string.
func EncodeColumn(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

// DecodeColumn decodes a text column written by EncodeColumn. The empty
// string leaves v untouched.
func DecodeColumn(s string, v any, column string) error {
	if s == "" {
		return nil
	}
	return UnmarshalWithContext([]byte(s), v, "decoding "+column)
}
