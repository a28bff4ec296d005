package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// marshalStrings converts an ordered string list to JSON TEXT for storage.
// A nil list is stored as "[]" so the column never holds NULL or "".
// Entries must be valid UTF-8; the JSON encoder would otherwise replace
// bad bytes and the list would not read back unchanged.
func marshalStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	for i, v := range list {
		if !utf8.ValidString(v) {
			return "", fmt.Errorf("marshal list: entry %d is not valid UTF-8", i)
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalStrings parses JSON TEXT back into an ordered string list.
// Order and duplicates are preserved exactly.
func unmarshalStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// normalizePayload validates an opaque JSON payload and defaults it to "{}".
func normalizePayload(payload []byte) (string, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "{}", nil
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("payload is not valid JSON")
	}
	return string(payload), nil
}
