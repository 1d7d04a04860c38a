// Package wire implements the record format exchanged between a master and
// its workers: one structured value per line, encoded as JSON and terminated
// by a single newline byte. The value domain is numbers, strings, booleans,
// sequences, mappings with string keys, and null.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v as a single-line record, without the trailing newline.
// Values that cannot be represented (channels, cycles, NaN) are rejected.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	// JSON never emits raw newlines, but the framing depends on it, so the
	// contract is checked rather than assumed.
	if bytes.ContainsRune(b, '\n') {
		return nil, fmt.Errorf("encoded record contains a newline")
	}
	return b, nil
}

// Unmarshal decodes one record. Numbers decode as float64, mappings as
// map[string]any, sequences as []any, null as nil.
func Unmarshal(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return v, nil
}
