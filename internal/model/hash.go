package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for configuration fingerprints.
// Version suffix enables future algorithm migration.
const (
	DomainExtension = "viewkv/extension/v1"
	DomainView      = "viewkv/view/v1"
)

// Fingerprint computes a SHA-256 hash over parts with domain separation.
// Format: SHA256(domain + 0x00 + part1 + 0x00 + part2 ...)
//
// The null separators keep ("ab","c") and ("a","bc") distinct. Extensions
// persist the fingerprint of their configuration so that a configuration
// change made between runs is detected on registration.
func Fingerprint(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
