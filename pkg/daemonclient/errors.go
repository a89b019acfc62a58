package daemonclient

import "errors"

// Typed SDK errors, mapped from HTTP status codes on the dashboard/webhook
// surface. On the Attach socket, ErrUnavailable is returned once the
// connection is closed; a {success:false, error} frame is returned as a
// plain error carrying the server's message, not as one of these.
// Adapted from the teacher's pkg/bridgeclient/errors.go, which mapped gRPC
// status codes instead of HTTP status / WS error strings.
var (
	ErrUnauthorized  = errors.New("daemonclient: unauthorized")
	ErrNotFound      = errors.New("daemonclient: not found")
	ErrRateLimited   = errors.New("daemonclient: rate limited")
	ErrUnavailable   = errors.New("daemonclient: unavailable")
	ErrServerError   = errors.New("daemonclient: server error")
)

func mapHTTPStatus(status int) error {
	switch status {
	case 401:
		return ErrUnauthorized
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimited
	case 503:
		return ErrUnavailable
	case 200, 202:
		return nil
	default:
		return ErrServerError
	}
}
