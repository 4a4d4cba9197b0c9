package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"
	"vaultsync-server/pkg/vault"

	"github.com/rs/zerolog"
)

// keyMaterialSize is 256 bits: the root of trust for all of a user's
// encrypted content.
const keyMaterialSize = 32

// KeyMaterialService owns the per-user key material lifecycle: created
// lazily on first need, persisted only in envelope-encrypted form.
type KeyMaterialService struct {
	repo   repository.KeyMaterialRepository
	users  repository.UserRepository
	vault  *vault.Vault
	logger zerolog.Logger
}

func NewKeyMaterialService(repo repository.KeyMaterialRepository, users repository.UserRepository, v *vault.Vault, logger zerolog.Logger) *KeyMaterialService {
	return &KeyMaterialService{
		repo:   repo,
		users:  users,
		vault:  v,
		logger: logger,
	}
}

// GetOrCreate returns the user's plaintext key material, generating and
// persisting it if this is the first need. Callers must zero the returned
// slice as soon as they are done with it.
func (s *KeyMaterialService) GetOrCreate(userID string) ([]byte, error) {
	record, err := s.repo.Get(userID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.create(userID)
	}
	if err != nil {
		return nil, err
	}

	return s.open(record)
}

func (s *KeyMaterialService) create(userID string) ([]byte, error) {
	// Material is only ever minted for a live account. A session surviving
	// its owner's deletion must not resurrect key material.
	if _, err := s.users.FindByID(userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, err
	}

	material := make([]byte, keyMaterialSize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	envelope, err := s.vault.Encrypt(material)
	if err != nil {
		return nil, fmt.Errorf("failed to envelope-encrypt key material: %w", err)
	}

	record := &domain.KeyMaterialRecord{
		UserID:     userID,
		Ciphertext: base64.StdEncoding.EncodeToString(envelope.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(envelope.IV),
		KeyID:      envelope.KeyID,
		CreatedAt:  time.Now(),
	}

	if err := s.repo.Create(record); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent first-use won the insert. Discard ours and
			// decrypt the winner's record so both callers hand out the
			// same material.
			Zero(material)
			winner, err := s.repo.Get(userID)
			if err != nil {
				return nil, err
			}
			return s.open(winner)
		}
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("key_id", record.KeyID).
		Msg("key material created")

	return material, nil
}

func (s *KeyMaterialService) open(record *domain.KeyMaterialRecord) ([]byte, error) {
	if record.Ciphertext == "" || record.IV == "" || record.KeyID == "" {
		s.logger.Error().
			Str("user_id", record.UserID).
			Msg("key material record is missing envelope fields")
		return nil, ErrCorruptKeyRecord
	}

	ciphertext, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		s.logger.Error().Str("user_id", record.UserID).Msg("key material ciphertext is not valid base64")
		return nil, ErrCorruptKeyRecord
	}

	iv, err := base64.StdEncoding.DecodeString(record.IV)
	if err != nil {
		s.logger.Error().Str("user_id", record.UserID).Msg("key material iv is not valid base64")
		return nil, ErrCorruptKeyRecord
	}

	material, err := s.vault.Decrypt(ciphertext, iv)
	if err != nil {
		// Integrity failures are surfaced, never retried or swallowed.
		s.logger.Error().
			Err(err).
			Str("user_id", record.UserID).
			Msg("key material failed envelope decryption")
		return nil, fmt.Errorf("failed to decrypt key material for user %s: %w", record.UserID, err)
	}

	return material, nil
}

// Destroy removes the user's key material record. Only account deletion may
// call this; there is no rotation path.
func (s *KeyMaterialService) Destroy(userID string) error {
	if err := s.repo.Delete(userID); err != nil {
		return err
	}

	s.logger.Info().Str("user_id", userID).Msg("key material destroyed")
	return nil
}

// Zero wipes plaintext key material once a caller is done with it.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
