package internal

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("invalid input")
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrCodeSpaceExhausted means every generated candidate collided. It is an
	// operational alert, not a client error.
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique short code")
)
