package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// IDList is a list of identifiers that decodes from either a JSON string or
// a JSON array of strings, so "id" and ["id"] are interchangeable.
type IDList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *IDList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	if data[0] == '[' {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("decoding id list: %w", err)
		}
		*l = ids
		return nil
	}

	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	*l = IDList{id}
	return nil
}

// Unique returns the non-empty ids in first-seen order without duplicates.
func (l IDList) Unique() []string {
	out := make([]string, 0, len(l))
	seen := make(map[string]struct{}, len(l))
	for _, id := range l {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
