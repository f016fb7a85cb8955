package store

import (
	"errors"
	"fmt"
)

// Sentinel errors raised by the store. Handlers translate these to HTTP
// classes; the store itself performs no authorization.
var (
	// ErrUsernameTaken is returned when registration hits the uniqueness
	// constraint, whether checked up front or raced at insert time.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrInvalidCredentials covers both unknown username and wrong
	// password so login failures never reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrAccountDisabled means the credentials matched but the account
	// has been soft-disabled.
	ErrAccountDisabled = errors.New("account is disabled")

	// ErrUserNotFound is returned by lookups that passed authorization.
	ErrUserNotFound = errors.New("user not found")

	// ErrOwnershipConflict means a session identifier is already bound
	// to a different user. It does not reveal who owns it.
	ErrOwnershipConflict = errors.New("session already exists and belongs to another user")

	// ErrSessionNotFound is returned by admin lookups for identifiers
	// that truly do not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError reports malformed registration input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func validationErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
