package service

import (
	"errors"
	"fmt"
	"time"

	"vaultsync-server/internal/repository"
	"vaultsync-server/internal/websocket"
	"vaultsync-server/pkg/keywrap"

	"github.com/rs/zerolog"
)

// WrappingService hands a user's key material to a device, wrapped under
// the device's public key, at most once per session.
type WrappingService struct {
	sessions    repository.SessionRepository
	keyMaterial *KeyMaterialService
	notifier    DeviceNotifier
	logger      zerolog.Logger
}

func NewWrappingService(sessions repository.SessionRepository, keyMaterial *KeyMaterialService, notifier DeviceNotifier, logger zerolog.Logger) *WrappingService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &WrappingService{
		sessions:    sessions,
		keyMaterial: keyMaterial,
		notifier:    notifier,
		logger:      logger,
	}
}

// WrapForSession wraps the session owner's key material under the supplied
// device public key. The delivered flag is durably set before the blob is
// returned.
func (s *WrappingService) WrapForSession(sessionID, devicePublicKeyPEM string) (string, error) {
	session, err := s.sessions.FindByID(sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return "", err
	}

	if session.KeyMaterialDelivered {
		return "", ErrAlreadyDelivered
	}

	publicKey, err := keywrap.ParsePublicKeyPEM(devicePublicKeyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	material, err := s.keyMaterial.GetOrCreate(session.UserID)
	if err != nil {
		return "", err
	}
	// No caching of plaintext key material across requests.
	defer Zero(material)

	wrapped, err := keywrap.EncryptWithPublicKey(publicKey, material)
	if err != nil {
		return "", err
	}

	if err := s.sessions.MarkDelivered(sessionID, devicePublicKeyPEM, time.Now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent request for the same session won the
			// compare-and-set; at most one wrap leaves the building.
			return "", ErrAlreadyDelivered
		}
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return "", err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", session.UserID).
		Str("device_id", session.DeviceID).
		Msg("key material wrapped and delivered")

	s.notifier.NotifyUser(session.UserID, websocket.EventKeyDelivered, map[string]string{
		"device_id": session.DeviceID,
	})

	return wrapped, nil
}
