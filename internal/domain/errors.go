package domain

import "errors"

var (
	// ErrValidation marks errors caused by invalid caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks state transitions rejected by current row state.
	ErrConflict = errors.New("conflict")
	// ErrSessionClosed marks free-text sends attempted outside an open
	// conversation window.
	ErrSessionClosed = errors.New("session window closed")
)
