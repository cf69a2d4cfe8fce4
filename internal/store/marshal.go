package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalBody converts an event to JSON TEXT for storage.
// Uses json.Encoder with HTML escaping disabled so paths such as
// "items[].qty" and messages with < > & stay readable in the database.
func marshalBody(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalBody parses JSON TEXT into v. Numbers inside untyped fields
// (diagnostic details) decode as json.Number to avoid float64 precision
// loss.
func unmarshalBody(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}
