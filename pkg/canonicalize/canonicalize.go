// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization and the content-address scheme used for decision
// and policy identifiers. Identical logical content always hashes
// identically regardless of field order.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// AddressPrefix tags every content address produced by this package.
const AddressPrefix = "sha256:"

// Canonical returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags apply), then the
// encoded bytes are transformed to canonical form: keys sorted by UTF-8
// bytes, no HTML escaping, ES6 number formatting.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ContentAddress returns the deterministic identifier of v: the prefixed
// SHA-256 hex digest of its canonical JSON form.
func ContentAddress(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return AddressPrefix + hex.EncodeToString(sum[:])
}

// Equal reports whether two values have identical canonical forms.
func Equal(a, b any) (bool, error) {
	ca, err := Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
