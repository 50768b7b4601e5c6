package fordapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classifies a failed vendor API call. The poll loop and the command
// dispatcher branch on the category, not on raw status codes.
type Error struct {
	Status int
	URL    string
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fordapi: %s: %s", e.URL, e.Err)
	}
	return fmt.Sprintf("fordapi: %s returned %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports the vendor does not expose this endpoint for the
// account/vehicle. Callers cache this and stop asking.
func (e *Error) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Unauthorized reports the presented token was rejected.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// RateLimited reports a 429; skip until the next cycle, never retry early.
func (e *Error) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Transport reports the request never produced an HTTP response.
func (e *Error) Transport() bool {
	return e.Err != nil && e.Status == 0
}

// Temporary reports whether retrying later might help.
func (e *Error) Temporary() bool {
	return e.Transport() || e.RateLimited() || e.Status >= 500
}

// AsError unwraps err into a *Error when possible.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
