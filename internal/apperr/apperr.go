// Package apperr defines the error kinds the service boundary understands.
// Domain errors wrap one of these with fmt.Errorf("%w: ...") so callers can
// classify them with errors.Is without knowing storage or chain details.
package apperr

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrConfig     = errors.New("configuration error")
	ErrTransient  = errors.New("temporarily unavailable")
)

// Reason returns the message after the kind prefix, suitable for API bodies.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrConfig, ErrTransient} {
		prefix := kind.Error() + ": "
		if errors.Is(err, kind) && len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}
