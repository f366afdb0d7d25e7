package provider

import "errors"

var (
	// ErrCursorInvalid means the provider no longer recognizes the
	// stored change cursor. Callers clear the cursor and fall back to
	// a full sync.
	ErrCursorInvalid = errors.New("sync cursor unknown or expired")

	// ErrUnauthorized means the provider rejected the access token.
	ErrUnauthorized = errors.New("provider rejected credentials")
)
