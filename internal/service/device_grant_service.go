package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"
	"vaultsync-server/pkg/keywrap"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeviceGrantService lets an authenticated web session hand a one-time,
// short-lived grant code to a non-browser client, which exchanges it for a
// device, a session and the wrapped key material in a single round trip.
type DeviceGrantService struct {
	grants   repository.DeviceGrantRepository
	auth     *AuthService
	devices  *DeviceService
	wrapping *WrappingService
	grantTTL time.Duration
	logger   zerolog.Logger
}

func NewDeviceGrantService(
	grants repository.DeviceGrantRepository,
	auth *AuthService,
	devices *DeviceService,
	wrapping *WrappingService,
	grantTTL time.Duration,
	logger zerolog.Logger,
) *DeviceGrantService {
	return &DeviceGrantService{
		grants:   grants,
		auth:     auth,
		devices:  devices,
		wrapping: wrapping,
		grantTTL: grantTTL,
		logger:   logger,
	}
}

// Format: vsg_<64 hex chars>. Only the sha256 is stored.
func generateGrantCode() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate grant code: %w", err)
	}
	return "vsg_" + hex.EncodeToString(bytes), nil
}

func (s *DeviceGrantService) CreateGrant(userID string) (*domain.DeviceGrantResponse, error) {
	code, err := generateGrantCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	grant := &domain.DeviceGrant{
		ID:        uuid.New().String(),
		UserID:    userID,
		CodeHash:  hashToken(code),
		CreatedAt: now,
		ExpiresAt: now.Add(s.grantTTL),
	}

	if err := s.grants.Create(grant); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Time("expires_at", grant.ExpiresAt).
		Msg("device grant created")

	return &domain.DeviceGrantResponse{
		GrantCode: code, // returned exactly once
		ExpiresAt: grant.ExpiresAt,
		Message:   "Enter this code in your other client. It can be used once and expires soon.",
	}, nil
}

// Exchange consumes the grant, creates and binds the device, opens a session
// and wraps the owner's key material for the supplied public key. The new
// session is born with its one-time delivery already consumed.
func (s *DeviceGrantService) Exchange(req *domain.DeviceTokenRequest, ip, userAgent string) (*domain.DeviceTokenResponse, error) {
	// Reject a bad public key before the grant is consumed, so a malformed
	// request does not burn the one-time code.
	if _, err := keywrap.ParsePublicKeyPEM(req.PublicKeyPEM); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	grant, err := s.grants.Consume(hashToken(req.GrantCode))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGrantInvalid
		}
		return nil, err
	}

	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrGrantInvalid
	}

	device, err := s.devices.EnsureExists(grant.UserID, "", &domain.DeviceMetadata{
		Name:          req.DeviceName,
		Type:          domain.DeviceTypeExtension,
		LastIPAddress: ip,
		LastUserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	session, accessToken, refreshToken, err := s.auth.createSession(grant.UserID, device.ID, domain.DeviceTypeExtension)
	if err != nil {
		s.rollback(grant.UserID, device.ID)
		return nil, err
	}

	wrapped, err := s.wrapping.WrapForSession(session.ID, req.PublicKeyPEM)
	if err != nil {
		s.rollback(grant.UserID, device.ID)
		return nil, err
	}

	s.logger.Info().
		Str("user_id", grant.UserID).
		Str("device_id", device.ID).
		Str("session_id", session.ID).
		Msg("device token issued via grant")

	return &domain.DeviceTokenResponse{
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		ExpiresIn:      int64(s.auth.accessTTL.Seconds()),
		DeviceID:       device.ID,
		UserID:         grant.UserID,
		WrappedUserKey: wrapped,
	}, nil
}

// A failed exchange must not leave a half-born device or an undeliverable
// session behind. Deleting the device cascades its sessions.
func (s *DeviceGrantService) rollback(userID, deviceID string) {
	if err := s.devices.Delete(userID, deviceID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("device_id", deviceID).
			Msg("failed to clean up after exchange failure")
	}
}
