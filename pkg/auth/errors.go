package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrFormParse indicates the vendor's login page no longer carries the
	// embedded settings marker the flow depends on; the page structure has
	// probably changed.
	ErrFormParse = errors.New("auth: login page missing embedded settings")

	// ErrLoginFailed indicates the credential submission or the redirect
	// interception did not yield an authorization code.
	ErrLoginFailed = errors.New("auth: login did not produce an authorization code")

	// ErrTokenExchange indicates a stage of the token-exchange chain failed
	// for a reason that is not a rejected grant.
	ErrTokenExchange = errors.New("auth: token exchange failed")
)

// RefreshRejectedError is terminal: the identity provider rejected the
// refresh grant outright (400/401). No automatic retry will recover; the
// account must re-authenticate interactively.
type RefreshRejectedError struct {
	Status int
	Detail string
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("auth: refresh grant rejected (status %d): %s", e.Status, e.Detail)
}

// Terminal distinguishes rejected grants from transient refresh failures.
func (e *RefreshRejectedError) Terminal() bool {
	return true
}

// IsTerminal reports whether err means automatic recovery is impossible.
func IsTerminal(err error) bool {
	var rejected *RefreshRejectedError
	return errors.As(err, &rejected)
}
