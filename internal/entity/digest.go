package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainDocument separates document digests from any other hash family.
// The version suffix leaves room for an algorithm migration.
const DomainDocument = "custodian/document/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content digest of canonical bytes.
func Digest(canonical []byte) string {
	return hashWithDomain(DomainDocument, canonical)
}

// DocumentDigest canonically encodes d and returns its digest.
func DocumentDigest(d Document) (string, error) {
	data, err := MarshalCanonical(d)
	if err != nil {
		return "", fmt.Errorf("document digest: %w", err)
	}
	return Digest(data), nil
}
