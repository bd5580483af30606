package digest

import "testing"

func TestJSONDeterministic(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{name: "identical", a: `{"a":1}`, b: `{"a":1}`, same: true},
		{name: "key order", a: `{"a":1,"b":[1,2]}`, b: `{"b":[1,2],"a":1}`, same: true},
		{name: "whitespace", a: `{"a": 1, "b": {"c": "x"}}`, b: `{"a":1,"b":{"c":"x"}}`, same: true},
		{name: "different value", a: `{"a":1}`, b: `{"a":2}`, same: false},
		{name: "list order", a: `[1,2]`, b: `[2,1]`, same: false},
		{name: "number literal", a: `{"a":1}`, b: `{"a":1.0}`, same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			da, err := JSON([]byte(tt.a))
			if err != nil {
				t.Fatalf("digest a: %v", err)
			}
			db, err := JSON([]byte(tt.b))
			if err != nil {
				t.Fatalf("digest b: %v", err)
			}
			if (da == db) != tt.same {
				t.Errorf("JSON(%s)=%s JSON(%s)=%s, same=%v", tt.a, da, tt.b, db, tt.same)
			}
			if !IsDigest(da) {
				t.Errorf("IsDigest(%q) = false", da)
			}
		})
	}
}

func TestJSONRejectsInvalid(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"a":1} {"b":2}`} {
		if _, err := JSON([]byte(raw)); err == nil {
			t.Errorf("JSON(%q): expected error", raw)
		}
	}
}

func TestValueMatchesJSON(t *testing.T) {
	fromValue, err := Value(map[string]any{"name": "Ada", "n": 3})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	fromJSON, err := JSON([]byte(`{"n":3,"name":"Ada"}`))
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if fromValue != fromJSON {
		t.Fatalf("Value=%s JSON=%s", fromValue, fromJSON)
	}
}

func TestCanonicalKeepsHTML(t *testing.T) {
	got, err := Canonical([]byte(`{"b":"<x>","a":"&"}`))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if want := `{"a":"&","b":"<x>"}`; string(got) != want {
		t.Fatalf("Canonical = %s, want %s", got, want)
	}
}

func TestTableOrderSensitive(t *testing.T) {
	r1, _ := JSON([]byte(`{"a":1}`))
	r2, _ := JSON([]byte(`{"a":2}`))

	if Table([]string{r1, r2}) == Table([]string{r2, r1}) {
		t.Fatalf("expected different digests for different row orders")
	}
	if Table([]string{r1, r2}) != Table([]string{r1, r2}) {
		t.Fatalf("expected identical digests for identical sequences")
	}
	if Table(nil) != Table([]string{}) {
		t.Fatalf("expected empty tables to share a digest")
	}
}

func TestIsDigest(t *testing.T) {
	if !IsDigest(Bytes(nil)) {
		t.Errorf("IsDigest(Bytes(nil)) = false")
	}
	for _, in := range []string{"latest", "v3", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOP-"} {
		if IsDigest(in) {
			t.Errorf("IsDigest(%q) = true", in)
		}
	}
}
