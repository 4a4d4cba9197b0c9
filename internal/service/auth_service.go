package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"
	"vaultsync-server/pkg/hash"
	"vaultsync-server/pkg/jwt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type AuthService struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	devices  *DeviceService

	jwtSecret     string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	maxSessionAge time.Duration
	logger        zerolog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	devices *DeviceService,
	jwtSecret string,
	accessTTL, refreshTTL, maxSessionAge time.Duration,
	logger zerolog.Logger,
) *AuthService {
	return &AuthService{
		users:         users,
		sessions:      sessions,
		devices:       devices,
		jwtSecret:     jwtSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		maxSessionAge: maxSessionAge,
		logger:        logger,
	}
}

// hashToken is how session and grant tokens are stored at rest: sha256 hex,
// never the plain value.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *AuthService) Register(req *domain.RegisterRequest) error {
	emailExists, err := s.users.EmailExists(req.Email)
	if err != nil {
		return fmt.Errorf("failed to check email existence: %w", err)
	}
	if emailExists {
		return ErrEmailTaken
	}

	usernameExists, err := s.users.UsernameExists(req.Username)
	if err != nil {
		return fmt.Errorf("failed to check username existence: %w", err)
	}
	if usernameExists {
		return ErrUsernameTaken
	}

	hashedPassword, err := hash.Hash(req.Password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Email:     req.Email,
		Password:  hashedPassword,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.users.Create(user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// Login authenticates the user, binds the session to a device (creating or
// refreshing the device row) and issues the token pair.
func (s *AuthService) Login(req *domain.LoginRequest, ip, userAgent string) (*domain.LoginResponse, error) {
	user, err := s.users.FindByEmail(req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := hash.Compare(user.Password, req.Password); err != nil {
		return nil, ErrInvalidCredentials
	}

	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = domain.DeviceTypeWeb
	}

	device, err := s.devices.EnsureExists(user.ID, req.DeviceID, &domain.DeviceMetadata{
		Name:          req.DeviceName,
		Type:          deviceType,
		LastIPAddress: ip,
		LastUserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind device: %w", err)
	}

	_, accessToken, refreshToken, err := s.createSession(user.ID, device.ID, device.Type)
	if err != nil {
		return nil, err
	}

	user.Password = ""

	return &domain.LoginResponse{
		User:         user,
		DeviceID:     device.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *AuthService) createSession(userID, deviceID, sessionType string) (*domain.Session, string, string, error) {
	sessionID := uuid.New().String()
	now := time.Now()

	refreshToken, err := jwt.GenerateRefreshToken(userID, sessionID, deviceID, s.refreshTTL, s.jwtSecret)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	session := &domain.Session{
		ID:          sessionID,
		UserID:      userID,
		DeviceID:    deviceID,
		TokenHash:   hashToken(refreshToken),
		SessionType: sessionType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}

	if err := s.sessions.Create(session); err != nil {
		return nil, "", "", fmt.Errorf("failed to create session: %w", err)
	}

	accessToken, err := jwt.GenerateAccessToken(userID, sessionID, deviceID, s.accessTTL, s.jwtSecret)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	return session, accessToken, refreshToken, nil
}

// Refresh rotates the refresh token. The session row must still exist, the
// presented token must match the current rotation generation, and the
// session's absolute age from CreatedAt must be under the configured
// maximum.
func (s *AuthService) Refresh(req *domain.RefreshTokenRequest) (*domain.TokenResponse, error) {
	claims, err := jwt.ValidateToken(req.RefreshToken, s.jwtSecret)
	if err != nil || claims.TokenType != jwt.TokenTypeRefresh {
		return nil, ErrInvalidToken
	}

	session, err := s.sessions.FindByID(claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if hashToken(req.RefreshToken) != session.TokenHash {
		return nil, ErrInvalidToken
	}

	if time.Since(session.CreatedAt) > s.maxSessionAge {
		return nil, ErrSessionExpired
	}

	newRefreshToken, err := jwt.GenerateRefreshToken(session.UserID, session.ID, session.DeviceID, s.refreshTTL, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	if err := s.sessions.RotateToken(session.ID, hashToken(newRefreshToken), time.Now().Add(s.refreshTTL)); err != nil {
		return nil, err
	}

	accessToken, err := jwt.GenerateAccessToken(session.UserID, session.ID, session.DeviceID, s.accessTTL, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// ValidateAccess checks an access token and confirms its session row still
// exists, so a revoked device fails closed.
func (s *AuthService) ValidateAccess(token string) (*jwt.Claims, error) {
	claims, err := jwt.ValidateToken(token, s.jwtSecret)
	if err != nil || claims.TokenType != jwt.TokenTypeAccess {
		return nil, ErrInvalidToken
	}

	if _, err := s.sessions.FindByID(claims.SessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	return claims, nil
}

func (s *AuthService) Logout(sessionID string) error {
	err := s.sessions.Delete(sessionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	s.logger.Info().Str("session_id", sessionID).Msg("session ended")
	return nil
}
