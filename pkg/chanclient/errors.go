package chanclient

import "errors"

var (
	// ErrNotFound is matched by errors for missing boards and posts.
	ErrNotFound = errors.New("chanclient: not found")

	// ErrInvalid is matched by errors for malformed requests.
	ErrInvalid = errors.New("chanclient: invalid request")

	// ErrUnavailable means no responder answered in time.
	ErrUnavailable = errors.New("chanclient: responder unavailable")
)

// RemoteError is an error reported by the server.
type RemoteError struct {
	Message string `json:"error"`
	Kind    string `json:"kind"`
}

func (e *RemoteError) Error() string {
	return "chanclient: " + e.Kind + ": " + e.Message
}

// Unwrap maps the server's error kind onto the package sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return ErrNotFound
	case "validation_failed":
		return ErrInvalid
	}
	return nil
}
