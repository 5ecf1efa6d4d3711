package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrOfferNotFound              = fmt.Errorf("offer %w", ErrNotFound)
	ErrForbidden                  = errors.New("forbidden")
	ErrDuplicateActiveNegotiation = errors.New("active negotiation already exists for this property")
	ErrInvalidAction              = errors.New("invalid action")
	ErrValidation                 = errors.New("validation failed")
	ErrNegotiationClosed          = errors.New("negotiation is closed")
	ErrVersionConflict            = errors.New("version conflict")
	ErrRateLimited                = errors.New("rate limited")
	ErrUnauthorized               = errors.New("unauthorized")
	ErrLockHeld                   = errors.New("lock already held")
)

// invalid returns an ErrValidation-wrapped error carrying a field message.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
