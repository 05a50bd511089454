package panel

import "errors"

var (
	// ErrAuth means the panel rejected the configured credentials, or a
	// refreshed token was still refused.
	ErrAuth = errors.New("panel: authentication failed")

	// ErrUnavailable means every scheme and retry was exhausted.
	ErrUnavailable = errors.New("panel: unavailable")

	// ErrNotFound means the user does not exist on the panel.
	ErrNotFound = errors.New("panel: user not found")
)
