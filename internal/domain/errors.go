package domain

import "errors"

// Domain errors
var (
	// Contention errors
	ErrConflict          = errors.New("seat already taken")
	ErrInsufficientStock = errors.New("insufficient stock available")
	ErrAlreadyExpired    = errors.New("reservation lease has expired")

	// Lookup errors
	ErrNotFound        = errors.New("not found")
	ErrSeatNotFound    = errors.New("seat not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrStockNotFound   = errors.New("stock counter not found")
	ErrLeaseNotFound   = errors.New("reservation lease not found")
	ErrBindingNotFound = errors.New("external binding not found")

	// Reconciliation errors
	ErrExternalSyncFailure = errors.New("external sync failed")
	ErrStructuralDrift     = errors.New("external seat layout changed")

	// ErrVersionMismatch is returned by conditional updates and retried internally
	ErrVersionMismatch = errors.New("seat record version changed")

	// Cache errors
	ErrCacheInconsistent = errors.New("seat cache could not be brought in step with store")

	// Validation errors
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrInvalidSeatID     = errors.New("invalid seat id")
	ErrInvalidTierID     = errors.New("invalid tier id")
	ErrInvalidOrderToken = errors.New("invalid order token")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrInvalidLeaseTTL   = errors.New("lease ttl must be positive")
	ErrDuplicateSeat     = errors.New("seat requested more than once")
	ErrTooManySeats      = errors.New("too many seats in one reservation")
	ErrNoSeats           = errors.New("at least one seat is required")
)

// IsConflictError checks if the error means the resource is contested
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInsufficientStockError checks if a decrement could not be satisfied
func IsInsufficientStockError(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSeatNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrStockNotFound) ||
		errors.Is(err, ErrLeaseNotFound) ||
		errors.Is(err, ErrBindingNotFound)
}

// IsExpiredError checks if the error is an expiration error
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrAlreadyExpired)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidSessionID) ||
		errors.Is(err, ErrInvalidSeatID) ||
		errors.Is(err, ErrInvalidTierID) ||
		errors.Is(err, ErrInvalidOrderToken) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidLeaseTTL) ||
		errors.Is(err, ErrDuplicateSeat) ||
		errors.Is(err, ErrTooManySeats) ||
		errors.Is(err, ErrNoSeats)
}
