// Package did provides parsing and derivation for the did:hido identifier
// scheme used to name agents.
//
// Identifier format: did:hido:[suffix]
//
// Examples:
//
//	did:hido:3f8a2b914c77d0e1   (key-derived: first 16 hex chars of SHA3-256 of the public key)
//	did:hido:abc               (externally assigned)
//
// The suffix is opaque to the ledger: any non-empty lowercase alphanumeric
// string is accepted. Key-derived identifiers can be recomputed from the
// agent's Ed25519 public key with FromPublicKey.
package did

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const prefix = "did:hido:"

// suffixLen is the number of hex characters taken from the key digest
// when deriving an identifier from a public key.
const suffixLen = 16

// DID is a parsed did:hido identifier.
type DID struct {
	Suffix string // opaque identifier part after "did:hido:"
	raw    string
}

// Parse parses a did:hido identifier string.
func Parse(raw string) (*DID, error) {
	if !strings.HasPrefix(raw, prefix) {
		return nil, fmt.Errorf("unsupported DID %q: expected %q prefix", raw, prefix)
	}

	suffix := strings.TrimPrefix(raw, prefix)
	if suffix == "" {
		return nil, fmt.Errorf("missing suffix in DID %q", raw)
	}
	for _, r := range suffix {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return nil, fmt.Errorf("invalid character %q in DID suffix %q", r, suffix)
		}
	}

	return &DID{Suffix: suffix, raw: raw}, nil
}

// FromPublicKey derives the canonical DID for an Ed25519 public key.
// The suffix is the first 16 hex characters of the SHA3-256 digest of the
// raw key bytes.
func FromPublicKey(pub ed25519.PublicKey) *DID {
	sum := sha3.Sum256(pub)
	suffix := hex.EncodeToString(sum[:])[:suffixLen]
	return &DID{Suffix: suffix, raw: prefix + suffix}
}

// String returns the full did:hido identifier string.
func (d *DID) String() string {
	if d.raw != "" {
		return d.raw
	}
	return prefix + d.Suffix
}
