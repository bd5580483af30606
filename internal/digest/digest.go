// Package digest computes the content addresses used for objects, ops, table
// rows and tables.
//
// A digest is the SHA-256 of a value's canonical JSON form, encoded as
// unpadded URL-safe base64 with '-' and '_' replaced by 'X' and 'Y' so that
// digests are purely alphanumeric and safe inside ref URIs.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Len is the length of every digest produced by this package.
const Len = 43

var replacer = strings.NewReplacer("-", "X", "_", "Y")

func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return replacer.Replace(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// Canonical re-encodes raw JSON with sorted object keys, no insignificant
// whitespace and numbers kept in their literal form.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding json: trailing data")
	}
	return encode(v)
}

func JSON(raw []byte) (string, error) {
	canonical, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	return Bytes(canonical), nil
}

func Value(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding value: %w", err)
	}
	return JSON(raw)
}

// Table digests the ordered sequence of row digests. Reordering rows changes
// the result.
func Table(rowDigests []string) string {
	if rowDigests == nil {
		rowDigests = []string{}
	}
	raw, _ := encode(rowDigests)
	return Bytes(raw)
}

func IsDigest(s string) bool {
	if len(s) != Len {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
