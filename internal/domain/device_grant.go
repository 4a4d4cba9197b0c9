package domain

import "time"

// DeviceGrant is a short-lived, one-time code a logged-in web session mints
// so a non-browser client can bootstrap its own device and session. Only the
// sha256 of the code is stored; the plain code is returned exactly once.
type DeviceGrant struct {
	Rev       string    `json:"_rev,omitempty"`
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CodeHash  string    `json:"code_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DeviceGrantResponse struct {
	GrantCode string    `json:"grant_code"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

type DeviceTokenRequest struct {
	GrantCode    string `json:"grant_code" validate:"required"`
	PublicKeyPEM string `json:"public_key_pem" validate:"required"`
	DeviceName   string `json:"device_name" validate:"required"`
}

// DeviceTokenResponse carries everything a fresh non-browser device needs in
// one round trip: tokens, its assigned device id, the owning user id (used
// client-side as the key-derivation salt) and the wrapped key material.
type DeviceTokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int64  `json:"expires_in"`
	DeviceID       string `json:"device_id"`
	UserID         string `json:"user_id"`
	WrappedUserKey string `json:"wrapped_user_key"`
}
