package service

import (
	"errors"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"
	"vaultsync-server/internal/websocket"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeviceNotifier pushes device lifecycle events to a user's connected
// clients. Satisfied by the websocket hub; nil-safe via the noop default.
type DeviceNotifier interface {
	NotifyUser(userID string, eventType string, payload interface{})
}

type noopNotifier struct{}

func (noopNotifier) NotifyUser(string, string, interface{}) {}

type DeviceService struct {
	repo     repository.DeviceRepository
	notifier DeviceNotifier
	logger   zerolog.Logger
}

func NewDeviceService(repo repository.DeviceRepository, notifier DeviceNotifier, logger zerolog.Logger) *DeviceService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &DeviceService{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// EnsureExists upserts the device row: inserts on first use, otherwise
// merges the supplied metadata and refreshes last-seen. An empty deviceID
// asks the server to assign one.
func (s *DeviceService) EnsureExists(userID, deviceID string, meta *domain.DeviceMetadata) (*domain.Device, error) {
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	if meta == nil {
		meta = &domain.DeviceMetadata{}
	}

	return s.repo.Upsert(userID, deviceID, meta)
}

func (s *DeviceService) List(userID string) ([]*domain.DeviceResponse, error) {
	devices, err := s.repo.List(userID)
	if err != nil {
		return nil, err
	}

	responses := make([]*domain.DeviceResponse, 0, len(devices))
	for _, d := range devices {
		responses = append(responses, d.ToResponse())
	}

	return responses, nil
}

// Delete removes one device and cascades its sessions. Ownership is checked
// before anything is touched; a hard-deleted device reads as not found.
func (s *DeviceService) Delete(userID, deviceID string) error {
	device, err := s.repo.FindByID(userID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if device.UserID != userID {
		return ErrForbidden
	}

	deleted, err := s.repo.Delete(userID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("device_id", deleted.ID).
		Str("device_name", deleted.Name).
		Msg("device deleted")

	s.notifier.NotifyUser(userID, websocket.EventDeviceRevoked, map[string]string{"device_id": deviceID})

	return nil
}

// DeleteAllExcept is the account-compromise kill switch: every device and
// session of the user goes except the one the caller is holding.
func (s *DeviceService) DeleteAllExcept(userID, exceptDeviceID string) (*domain.PurgeResult, error) {
	result, err := s.repo.DeleteAllExcept(userID, exceptDeviceID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("kept_device_id", exceptDeviceID).
		Int("devices_deleted", result.DevicesDeleted).
		Int("sessions_deleted", result.SessionsDeleted).
		Msg("all other devices revoked")

	if result.DevicesDeleted > 0 {
		s.notifier.NotifyUser(userID, websocket.EventDevicesRevoked, map[string]interface{}{
			"kept_device_id":  exceptDeviceID,
			"devices_deleted": result.DevicesDeleted,
		})
	}

	return result, nil
}

// DeleteAll removes every device and session of the user; account deletion
// only.
func (s *DeviceService) DeleteAll(userID string) (*domain.PurgeResult, error) {
	return s.repo.DeleteAllExcept(userID, "")
}
