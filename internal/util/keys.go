package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactKey hashes the user part of a storage key ("nc:<name>:<key>") and keeps
// the cache name readable. Keys without that shape are hashed whole.
func RedactKey(storageKey string) string {
	if rest, ok := strings.CutPrefix(storageKey, "nc:"); ok {
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			return "nc:" + rest[:i] + ":" + shortHash(rest[i+1:])
		}
	}
	return shortHash(storageKey)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8]) // first 16 hex chars
}
