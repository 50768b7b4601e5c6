package push

import (
	"errors"
	"fmt"
)

// ErrFrameParse signals a malformed byte stream. There is no mid-stream
// recovery; the channel closes and reconnects.
var ErrFrameParse = errors.New("push: malformed frame")

// ErrFrameTooLarge signals a frame above the configured payload cap.
var ErrFrameTooLarge = errors.New("push: frame exceeds maximum payload size")

// ErrConnectionLost signals the socket dropped outside a deliberate close.
var ErrConnectionLost = errors.New("push: connection lost")

// HandshakeError reports a rejected HTTP upgrade. A 401 means the telemetry
// token was stale; the channel refreshes and retries.
type HandshakeError struct {
	Status int
	Body   string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("push: upgrade rejected with status %d", e.Status)
}

func (e *HandshakeError) Unauthorized() bool {
	return e.Status == 401
}
