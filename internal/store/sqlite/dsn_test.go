package sqlite

import (
	"testing"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "memory", input: "sqlite://:memory:", expected: ":memory:"},
		{name: "absolute path", input: "sqlite:///var/lib/traces.db", expected: "/var/lib/traces.db"},
		{name: "explicit relative", input: "sqlite://./traces.db", expected: "./traces.db"},
		{name: "bare relative", input: "sqlite://traces.db", expected: "./traces.db"},
		{name: "escaped path", input: "sqlite://my%20traces.db", expected: "./my traces.db"},
		{name: "query kept", input: "sqlite://traces.db?_pragma=cache_size(2000)", expected: "./traces.db?_pragma=cache_size(2000)"},
		{name: "absolute with query", input: "sqlite:///tmp/t.db?mode=ro", expected: "/tmp/t.db?mode=ro"},
		{name: "wrong scheme", input: "postgres://localhost/db", wantErr: true},
		{name: "empty path", input: "sqlite://", wantErr: true},
		{name: "bad escape", input: "sqlite://bad%zz.db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDSN(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDSN(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDSN(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("parseDSN(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestWithTxLock(t *testing.T) {
	tests := map[string]string{
		":memory:":                     ":memory:",
		"./traces.db":                  "./traces.db?_txlock=immediate",
		"./traces.db?mode=rw":          "./traces.db?mode=rw&_txlock=immediate",
		"./traces.db?_txlock=deferred": "./traces.db?_txlock=deferred",
	}
	for in, want := range tests {
		if got := withTxLock(in); got != want {
			t.Errorf("withTxLock(%q) = %q, want %q", in, got, want)
		}
	}
}
