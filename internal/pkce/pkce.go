// Package pkce implements the PKCE (Proof Key for Code Exchange) primitives
// used by the OAuth2 authorization-code flow, following RFC 7636. It provides
// code verifier and challenge generation along with the random state nonce
// used for CSRF protection during the callback.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// verifierLen is the number of random bytes behind a code verifier.
	verifierLen = 32
	// stateLen is the number of random bytes behind a state nonce.
	stateLen = 16
)

// Codes holds a PKCE code verifier and its derived challenge.
type Codes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GenerateCodes generates a PKCE code verifier and challenge pair using the
// S256 method.
//
// Returns:
//   - *Codes: A struct containing the code verifier and challenge
//   - error: An error if the random source fails, nil otherwise
func GenerateCodes() (*Codes, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &Codes{
		CodeVerifier:  verifier,
		CodeChallenge: GenerateCodeChallenge(verifier),
	}, nil
}

// GenerateCodeVerifier creates a cryptographically random code verifier,
// URL-safe base64 encoded without padding.
func GenerateCodeVerifier() (string, error) {
	bytes := make([]byte, verifierLen)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateCodeChallenge creates the SHA-256 hash of the code verifier and
// encodes it using URL-safe base64 encoding without padding.
func GenerateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateState creates the random state nonce carried through the
// authorization redirect. It correlates the callback with the login attempt
// and is not a secret.
func GenerateState() (string, error) {
	bytes := make([]byte, stateLen)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
