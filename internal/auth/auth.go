package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// Verify compares the bearer token in header against want in constant time.
func Verify(want, header string) bool {
	got, ok := BearerToken(header)
	if !ok {
		return false
	}
	a, b := HashToken(want), HashToken(got)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
