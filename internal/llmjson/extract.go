// Package llmjson extracts structured JSON from free-form model output.
//
// Language models asked for JSON routinely wrap it in prose, markdown fences,
// or trailing commentary. Object and Array locate the outermost structure in
// the raw text and decode it. ErrNoStructure is returned only when no opening
// delimiter exists at all; a structure that opens but is truncated or garbled
// reports a wrapped decode error instead. Callers apply their documented
// fallback on either error.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoStructure is returned when the raw text contains no candidate
// JSON object or array.
var ErrNoStructure = errors.New("no JSON structure found in output")

// Object finds the first '{' and last '}' in raw and decodes the span into v.
// When '{' exists but '}' does not, the truncated tail is still fed to the
// decoder so the caller sees a decode error rather than ErrNoStructure.
func Object(raw string, v interface{}) error {
	start := strings.Index(raw, "{")
	if start < 0 {
		return ErrNoStructure
	}
	span := raw[start:]
	if end := strings.LastIndex(raw, "}"); end > start {
		span = raw[start : end+1]
	}

	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	return nil
}

// Array finds the first '[' and last ']' in raw and decodes the span into v.
// Truncated arrays follow the same rule as Object: opening delimiter present
// means a decode error, never ErrNoStructure.
func Array(raw string, v interface{}) error {
	start := strings.Index(raw, "[")
	if start < 0 {
		return ErrNoStructure
	}
	span := raw[start:]
	if end := strings.LastIndex(raw, "]"); end > start {
		span = raw[start : end+1]
	}

	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("decode array: %w", err)
	}
	return nil
}
