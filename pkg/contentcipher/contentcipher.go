// Package contentcipher is the client-side content decryption path: it
// derives the working symmetric key from a user's key material and decrypts
// encrypted content blobs fetched from storage.
package contentcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is deliberately slow; callers must not run derivation on a
	// UI thread without yielding.
	Iterations = 100000

	keySize = 32
)

var (
	// ErrMalformedBlob is returned for wire-format violations, before any
	// cryptographic operation is attempted.
	ErrMalformedBlob = errors.New("contentcipher: malformed encrypted blob")

	// ErrIntegrity is returned when the authentication tag does not verify:
	// wrong key, or tampered/corrupted data. Not retryable.
	ErrIntegrity = errors.New("contentcipher: decryption failed integrity check")
)

// DecryptionKey is a derived symmetric key restricted to decryption.
type DecryptionKey struct {
	key []byte
}

// DeriveKey derives the working decryption key from the user's key material
// with PBKDF2-SHA512, salted with the user's id so identical material yields
// distinct keys per account.
func DeriveKey(keyMaterial []byte, userID string) *DecryptionKey {
	return &DecryptionKey{
		key: pbkdf2.Key(keyMaterial, []byte(userID), Iterations, keySize, sha512.New),
	}
}

// Decrypt parses the "<ciphertext-b64>.<authTag-b64>:<iv-b64>" wire format
// and opens it with AES-256-GCM under the derived key. GCM expects the tag
// appended to the ciphertext, so the two parts are rejoined before decrypting.
func Decrypt(blob string, key *DecryptionKey) ([]byte, error) {
	ciphertext, tag, iv, err := parseBlob(blob)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	if len(iv) != aead.NonceSize() {
		return nil, ErrMalformedBlob
	}

	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

func parseBlob(blob string) (ciphertext, tag, iv []byte, err error) {
	payload, ivPart, ok := strings.Cut(blob, ":")
	if !ok || strings.Contains(ivPart, ":") {
		return nil, nil, nil, ErrMalformedBlob
	}

	ciphertextPart, tagPart, ok := strings.Cut(payload, ".")
	if !ok || strings.Contains(tagPart, ".") {
		return nil, nil, nil, ErrMalformedBlob
	}

	if ciphertext, err = base64.StdEncoding.DecodeString(ciphertextPart); err != nil {
		return nil, nil, nil, ErrMalformedBlob
	}
	if tag, err = base64.StdEncoding.DecodeString(tagPart); err != nil {
		return nil, nil, nil, ErrMalformedBlob
	}
	if iv, err = base64.StdEncoding.DecodeString(ivPart); err != nil {
		return nil, nil, nil, ErrMalformedBlob
	}

	return ciphertext, tag, iv, nil
}
