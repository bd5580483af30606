package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MergeSummary applies patch over base one top-level key at a time, the same
// way a jsonb || concatenation does. Either side may be empty.
func MergeSummary(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if len(base) > 0 && string(base) != "null" {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decoding summary: %w", err)
		}
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(patch, &over); err != nil {
		return nil, fmt.Errorf("decoding summary patch: %w", err)
	}
	for k, v := range over {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	return out, nil
}

// VersionAlias parses a "v<N>" alias into its version index.
func VersionAlias(alias string) (int, bool) {
	if len(alias) < 2 || alias[0] != 'v' {
		return 0, false
	}
	n, err := strconv.Atoi(alias[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
