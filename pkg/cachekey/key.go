// Package cachekey validates and hashes the keys used to address cache entries.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// MaxLength is the longest a CacheKey may be.
const MaxLength = 512

// isAllowed reports whether r is one of [A-Za-z0-9_.:/-].
func isAllowed(r byte) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == ':' || r == '/' || r == '-':
		return true
	default:
		return false
	}
}

// Validate checks that key is a non-empty string of at most MaxLength
// bytes drawn from [A-Za-z0-9_.:/-].
func Validate(key string) error {
	if len(key) == 0 {
		return cueerrors.New(cueerrors.CodeInvalidKey, "cache key must not be empty").
			WithComponent("cachekey")
	}
	if len(key) > MaxLength {
		return cueerrors.New(cueerrors.CodeInvalidKey, "cache key exceeds maximum length").
			WithComponent("cachekey").
			WithDetail("length", len(key)).
			WithDetail("max_length", MaxLength)
	}
	for i := 0; i < len(key); i++ {
		if !isAllowed(key[i]) {
			return cueerrors.New(cueerrors.CodeInvalidKey, "cache key contains disallowed character").
				WithComponent("cachekey").
				WithDetail("position", i)
		}
	}
	return nil
}

// ContentHash returns the hex-encoded SHA-256 digest of data, the
// entry's content address.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashPrefix returns the two-character directory-sharding prefix used
// for the on-disk layout (<root>/entries/<prefix>/<key-hash>).
func HashPrefix(keyHash string) string {
	if len(keyHash) < 2 {
		return keyHash
	}
	return keyHash[:2]
}

// Hash returns the hex-encoded SHA-256 digest of the key itself, used to
// derive on-disk file names without leaking key contents into paths.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
