package oidcprovider

import (
	"crypto/sha256"
	"encoding/base64"
)

// verifyPKCE reports whether verifier satisfies the stored challenge under
// method: SHA-256 of verifier, base64url-equals the stored challenge.
// Only S256 is supported; "plain" is intentionally not implemented.
func verifyPKCE(method, challenge, verifier string) bool {
	if method != "S256" || challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}
