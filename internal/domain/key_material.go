package domain

import "time"

// KeyMaterialRecord is the envelope-encrypted-at-rest form of a user's
// 256-bit key material: AES-256-GCM under the master key named by KeyID.
// The plaintext is never persisted.
type KeyMaterialRecord struct {
	Kind       string    `json:"kind"`
	UserID     string    `json:"user_id"`
	Ciphertext string    `json:"ciphertext"` // base64, GCM tag appended
	IV         string    `json:"iv"`         // base64, 96-bit
	KeyID      string    `json:"key_id"`
	CreatedAt  time.Time `json:"created_at"`
}
