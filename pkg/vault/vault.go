package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ActiveKeyID names the master key a record was encrypted under.
const ActiveKeyID = "master-v1"

const (
	masterKeySize = 32
	ivSize        = 12
)

// ErrIntegrity is returned when a ciphertext fails its GCM authentication
// check or is too short to contain a tag.
var ErrIntegrity = errors.New("vault: ciphertext failed integrity check")

// Envelope is the encrypted-at-rest form of a piece of key material.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	KeyID      string
}

// Vault performs envelope encryption under the server's long-lived master
// key.
type Vault struct {
	aead cipher.AEAD
}

// ParseMasterKey decodes the 32-byte hex-encoded master key from
// configuration.
func ParseMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, errors.New("master key is not configured")
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}

	if len(key) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
	}

	return key, nil
}

func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh 96-bit IV. The GCM
// authentication tag is appended to the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) (*Envelope, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return &Envelope{
		Ciphertext: v.aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		KeyID:      ActiveKeyID,
	}, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any authentication failure,
// including inputs shorter than the tag, is reported as ErrIntegrity.
func (v *Vault) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(ciphertext) < v.aead.Overhead() || len(iv) != ivSize {
		return nil, ErrIntegrity
	}

	plaintext, err := v.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}
