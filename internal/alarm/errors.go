package alarm

import (
	"errors"
	"fmt"
	"net/http"

	"rate-alarms/internal/kvcache"
)

var (
	ErrValidation    = errors.New("invalid alarm")
	ErrConflict      = errors.New("alarm already exists")
	ErrQuotaExceeded = errors.New("alarm quota exceeded")
	ErrNotFound      = errors.New("alarm not found")
	// ErrOrphan means an alarm's token hash has no resolvable device token.
	ErrOrphan = errors.New("token hash has no device token mapping")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StatusCode maps store errors onto HTTP-style status codes for boundary callers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrQuotaExceeded):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOrphan):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, kvcache.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
