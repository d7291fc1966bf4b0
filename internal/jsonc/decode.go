package jsonc

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Unmarshal strips comments/trailing commas from src and decodes the
// result into v, same contract as encoding/json.Unmarshal.
func Unmarshal(src []byte, v interface{}) error {
	clean := Strip(src)
	dec := json.NewDecoder(bytes.NewReader(clean))
	if err := dec.Decode(v); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return &ConfigError{Position: syn.Offset, Reason: syn.Error()}
		}
		return &ConfigError{Reason: err.Error()}
	}
	return nil
}

// UnmarshalStrict behaves like Unmarshal but rejects any field in the
// JSON document that v does not declare.
func UnmarshalStrict(src []byte, v interface{}) error {
	clean := Strip(src)
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return &ConfigError{Position: syn.Offset, Reason: syn.Error()}
		}
		return &ConfigError{Reason: err.Error()}
	}
	return nil
}
