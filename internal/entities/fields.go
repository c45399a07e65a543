package entities

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// fieldSet holds the top-level members of a payload object.
type fieldSet map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (fieldSet, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalidField("", "payload is required")
	}
	if trimmed[0] == '[' {
		return nil, invalidField("", "payload must be an object, not an array")
	}
	if trimmed[0] != '{' {
		return nil, invalidField("", "payload must be an object")
	}
	fields := fieldSet{}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, invalidField("", "payload is not valid JSON")
	}
	return fields, nil
}

// lookup returns the raw member value, treating JSON null like an absent member.
func (fields fieldSet) lookup(name string) (json.RawMessage, bool) {
	value, ok := fields[name]
	if !ok {
		return nil, false
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	return trimmed, true
}

// text returns a scalar member rendered as text. Strings are decoded, numbers and
// booleans keep their literal form, objects and arrays are rejected.
func (fields fieldSet) text(name string) (string, bool, error) {
	value, ok := fields.lookup(name)
	if !ok {
		return "", false, nil
	}
	switch value[0] {
	case '"':
		var decoded string
		if err := json.Unmarshal(value, &decoded); err != nil {
			return "", false, invalidField(name, "must be a string")
		}
		return decoded, true, nil
	case '{', '[':
		return "", false, invalidField(name, "must be a scalar value")
	default:
		return string(value), true, nil
	}
}

// positiveInt returns a member that must hold a positive integer, given either as
// a JSON number or as a decimal string.
func (fields fieldSet) positiveInt(name string) (int64, bool, error) {
	value, ok := fields.lookup(name)
	if !ok {
		return 0, false, nil
	}
	literal := string(value)
	if value[0] == '"' {
		var decoded string
		if err := json.Unmarshal(value, &decoded); err != nil {
			return 0, false, invalidField(name, "must be a positive integer")
		}
		literal = strings.TrimSpace(decoded)
	}
	parsed, err := strconv.ParseInt(literal, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, false, invalidField(name, "must be a positive integer")
	}
	return parsed, true, nil
}

// object returns a member that must hold a JSON object, compacted.
func (fields fieldSet) object(name string) (json.RawMessage, bool, error) {
	value, ok := fields.lookup(name)
	if !ok {
		return nil, false, nil
	}
	if value[0] != '{' {
		return nil, false, invalidField(name, "must be an object")
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, value); err != nil {
		return nil, false, invalidField(name, "must be an object")
	}
	return json.RawMessage(compacted.Bytes()), true, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
