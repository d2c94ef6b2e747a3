// README: Typed error taxonomy for the dispatch engine.
package dispatch

import "errors"

var (
	// ErrBadRequest covers malformed or missing input.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound covers an absent referenced entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the current state disallows the requested
	// transition: another actor moved the state first.
	ErrConflict = errors.New("request is no longer available")
	// ErrNotAllowed is returned when the actor neither owns the resource nor
	// holds the admin role.
	ErrNotAllowed = errors.New("actor is not allowed to modify this resource")
	// ErrInvalidState is returned when the requested transition is not legal
	// from the current status for the acting role.
	ErrInvalidState = errors.New("invalid state transition")
)
