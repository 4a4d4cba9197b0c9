package service

import (
	"errors"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"

	"github.com/rs/zerolog"
)

type UserService struct {
	users       repository.UserRepository
	devices     *DeviceService
	keyMaterial *KeyMaterialService
	logger      zerolog.Logger
}

func NewUserService(users repository.UserRepository, devices *DeviceService, keyMaterial *KeyMaterialService, logger zerolog.Logger) *UserService {
	return &UserService{
		users:       users,
		devices:     devices,
		keyMaterial: keyMaterial,
		logger:      logger,
	}
}

func (s *UserService) Get(userID string) (*domain.User, error) {
	user, err := s.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	user.Password = ""
	return user, nil
}

// DeleteAccount deletes every device and session, then the key material
// record, then the user document.
func (s *UserService) DeleteAccount(userID string) error {
	purged, err := s.devices.DeleteAll(userID)
	if err != nil {
		return err
	}

	if err := s.keyMaterial.Destroy(userID); err != nil {
		return err
	}

	if err := s.users.Delete(userID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("devices_deleted", purged.DevicesDeleted).
		Int("sessions_deleted", purged.SessionsDeleted).
		Msg("account deleted")

	return nil
}
