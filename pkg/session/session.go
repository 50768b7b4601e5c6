// Package session holds the bridge's two token lifecycles: the vehicle-cloud
// session obtained through the Ford token bridge, and the telemetry-provider
// token obtained by exchanging that session with Autonomic. Both are tracked
// with an absolute expiry computed at receipt time; callers never trust the
// expiry to be exact and apply a renewal margin.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an access/refresh pair with its absolute expiry.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the token exists and does not expire within margin.
func (t *Token) Valid(margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return time.Until(t.ExpiresAt) > margin
}

// TTL returns the remaining lifetime, which may be negative.
func (t *Token) TTL() time.Duration {
	if t == nil {
		return 0
	}
	return time.Until(t.ExpiresAt)
}

// TokenResponse is the wire shape shared by the Ford token bridge and the
// Autonomic token-exchange endpoint.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`

	// Error fields; the vendor does not reliably use HTTP status codes.
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"errorCode"`
}

// ErrMessage returns whichever error field the vendor populated.
func (r *TokenResponse) ErrMessage() string {
	switch {
	case r.Message != "":
		return r.Message
	case r.ErrorDescription != "":
		return r.ErrorDescription
	default:
		return r.Error
	}
}

// NewToken converts a wire response received at receipt into a Token. The
// expiry is always computed as receipt + expires_in; when the vendor omits
// expires_in the JWT exp claim is used as a fallback.
func NewToken(r *TokenResponse, receipt time.Time) (*Token, error) {
	if r.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access_token: %s", r.ErrMessage())
	}
	tok := &Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    receipt.Add(time.Duration(r.ExpiresIn) * time.Second),
	}
	if r.ExpiresIn == 0 {
		if exp, ok := jwtExpiry(r.AccessToken); ok {
			tok.ExpiresAt = exp
		}
	}
	return tok, nil
}

// jwtExpiry extracts the exp claim without verifying the signature. We are
// not the token's audience; this is bookkeeping only.
func jwtExpiry(raw string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Blob is the opaque persisted form of both token lifecycles, stored in the
// external state tree so a restart can resume without re-authenticating.
type Blob struct {
	Session   *Token `json:"session,omitempty"`
	Telemetry *Token `json:"telemetry,omitempty"`
}

func (b *Blob) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeBlob(raw string) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	return &b, nil
}
