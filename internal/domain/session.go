package domain

import "time"

// Session is one authenticated login on one device. TokenHash pins the
// current refresh-token generation; rotation replaces it but never touches
// CreatedAt, so absolute session age is always measured from first issuance.
type Session struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id,omitempty"`
	TokenHash   string `json:"token_hash"`
	SessionType string `json:"session_type"`

	// PublicKey is recorded for audit once key material is requested; the
	// wrapped blob itself is never stored server-side.
	PublicKey              string     `json:"public_key,omitempty"`
	KeyMaterialDelivered   bool       `json:"key_material_delivered"`
	KeyMaterialDeliveredAt *time.Time `json:"key_material_delivered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type WrapKeyRequest struct {
	PublicKeyPEM string `json:"public_key_pem" validate:"required"`
}

type WrapKeyResponse struct {
	WrappedUserKey string `json:"wrapped_user_key"`
}
