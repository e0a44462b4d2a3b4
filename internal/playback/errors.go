package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a request references a session,
	// or a rendition of it, that is unknown or has been reaped. Clients
	// recover by fetching the master playlist again.
	ErrSessionNotFound = errors.New("playback session not found")

	// ErrNegotiationFailed is returned when the upstream offers no usable
	// transcode for a rendition.
	ErrNegotiationFailed = errors.New("rendition negotiation failed")

	// ErrNoRenditions is returned when not a single rendition negotiated.
	ErrNoRenditions = errors.New("no rendition could be negotiated")
)

// BadRequestError reports a missing or malformed request parameter.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}
