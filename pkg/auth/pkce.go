package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// PKCE is a verifier/challenge pair binding an authorization code to this
// client. The pair is generated once per pending login attempt and must
// survive until the code is redeemed; an authorization code can only be
// exchanged against the verifier that produced its challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh S256 pair.
func GeneratePKCE() (PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return PKCE{Verifier: verifier, Challenge: ChallengeS256(verifier)}, nil
}

// ChallengeS256 derives the code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
