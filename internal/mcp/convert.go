package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"traceserver/internal/trace"
)

// toRaw encodes a decoded tool argument back into raw JSON. A nil value
// stays absent.
func toRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding argument: %w", err)
	}
	return raw, nil
}

func fromRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", field, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func sortBy(field string, desc bool) *trace.SortBy {
	if field == "" && !desc {
		return nil
	}
	dir := trace.SortAsc
	if desc {
		dir = trace.SortDesc
	}
	return &trace.SortBy{Field: field, Direction: dir}
}

func strs(in []string) []string {
	return append([]string{}, in...)
}
