// Service errors form a small closed set of variants. Handlers map them to
// HTTP status codes with errors.Is; nothing anywhere inspects error text.
package service

import "errors"

var (
	ErrNotFound           = errors.New("resource not found")
	ErrForbidden          = errors.New("resource does not belong to the authenticated user")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or revoked token")
	ErrSessionExpired     = errors.New("session exceeded its maximum age")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")

	// ErrAlreadyDelivered means the session already consumed its one-time
	// key-material delivery. A conflict, not a retryable condition.
	ErrAlreadyDelivered = errors.New("key material has already been delivered for this session")

	// ErrCorruptKeyRecord means a stored key material envelope is internally
	// inconsistent (e.g. ciphertext without iv). Fatal for the request and
	// logged for operator attention.
	ErrCorruptKeyRecord = errors.New("key material record is corrupt")

	ErrInvalidPublicKey = errors.New("invalid device public key")
	ErrGrantInvalid     = errors.New("device grant is invalid, expired or already used")
)
